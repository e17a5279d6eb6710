package app

import (
	"testing"
	"time"

	"github.com/auto-earn/internal/config"
	"github.com/auto-earn/internal/service"
	"github.com/auto-earn/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestLocker_FallsBackWithoutRedis(t *testing.T) {
	a := &App{Config: &config.Config{}}
	assert.IsType(t, service.NoopLocker{}, a.Locker())

	a.Redis = storage.NewRedisCacheFromClient(nil)
	a.Config.Sweep.LockTTL = time.Minute
	assert.IsType(t, &storage.AccountLocker{}, a.Locker())
}

func TestServices_RequireTheirConnections(t *testing.T) {
	a := &App{Config: &config.Config{}}

	_, err := a.SyncService()
	assert.Error(t, err)

	_, err = a.SweepService()
	assert.Error(t, err)

	assert.Nil(t, a.VaultPositionService())
	assert.NotNil(t, a.SettingsService())
}
