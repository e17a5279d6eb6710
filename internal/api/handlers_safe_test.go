package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/auto-earn/internal/adapter"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSafe = "0x1111111111111111111111111111111111111111"

func TestVaultPosition(t *testing.T) {
	positions := &mockPositionReader{getFunc: func(ctx context.Context, safe string) (*service.VaultPosition, error) {
		switch safe {
		case testSafe:
			return &service.VaultPosition{SafeAddress: safe, Shares: "950000", Assets: "1000123"}, nil
		case "0x2222222222222222222222222222222222222222":
			return nil, fmt.Errorf("%w: no account config", adapter.ErrNoVaultConfigured)
		case "0x3333333333333333333333333333333333333333":
			return nil, apperrors.NewChainReadError("balanceOf", fmt.Errorf("dial tcp: timeout"))
		default:
			return nil, apperrors.NewInvalidAddressError(safe)
		}
	}}
	server := createTestServer(Services{Positions: positions})

	tests := []struct {
		name     string
		address  string
		expected int
		code     string
	}{
		{"found", testSafe, http.StatusOK, ""},
		{"no vault", "0x2222222222222222222222222222222222222222", http.StatusNotFound, ErrCodeNotFound},
		{"rpc failure", "0x3333333333333333333333333333333333333333", http.StatusBadGateway, "CHAIN_READ_ERROR"},
		{"bad address", "0xzz", http.StatusBadRequest, "INVALID_ADDRESS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(server, httptest.NewRequest("GET", "/api/safes/"+tt.address+"/vault-position", nil))
			assert.Equal(t, tt.expected, w.Code)

			if tt.code == "" {
				var pos service.VaultPosition
				require.NoError(t, json.NewDecoder(w.Body).Decode(&pos))
				assert.Equal(t, "1000123", pos.Assets)
				return
			}
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAllocation(t *testing.T) {
	allocations := &mockAllocationReader{}
	server := createTestServer(Services{Allocations: allocations})

	w := serve(server, httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report service.AllocationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.True(t, report.Consistent)
	assert.Equal(t, "500", report.LedgerTotal)

	w = serve(server, httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation?repair=true", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{false, true}, allocations.repairs)

	w = serve(server, httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation?repair=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetAutoEarn(t *testing.T) {
	settings := &mockSettingsWriter{}
	server := createTestServer(Services{Settings: settings})

	put := func(address, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PUT", "/api/safes/"+address+"/auto-earn", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		return serve(server, req)
	}

	w := put(testSafe, `{"userId":"did:privy:abc","percentage":25}`)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg models.AutoEarnConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cfg))
	assert.Equal(t, 25, cfg.Percentage)
	assert.Equal(t, "did:privy:abc", cfg.UserDID)

	assert.Equal(t, http.StatusBadRequest, put(testSafe, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, put(testSafe, `{"userId":"did:a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, put(testSafe, `{"userId":"did:a","percentage":10,"extra":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, put("0x12", `{"userId":"did:a","percentage":10}`).Code)

	settings.setFunc = func(ctx context.Context, userDID, safe string, pct int) (*models.AutoEarnConfig, error) {
		return nil, apperrors.NewInvalidParameterError("percentage", "must be between 0 and 100")
	}
	w = put(testSafe, `{"userId":"did:a","percentage":150}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "INVALID_PARAMETER", resp.Error.Code)
}

func TestRefreshModuleStatus(t *testing.T) {
	server := createTestServer(Services{Settings: &mockSettingsWriter{enabled: true}})

	w := serve(server, httptest.NewRequest("POST", "/api/safes/"+testSafe+"/module-status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, true, body["moduleEnabled"])
}

func TestSafeRoutesRateLimited(t *testing.T) {
	config := &ServerConfig{CronSecret: testSecret, RequestsPerSec: 1, Burst: 2}
	server := NewServer(config, Services{Allocations: &mockAllocationReader{}}, prometheus.NewRegistry())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		codes = append(codes, serve(server, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// other clients have their own budget
	req := httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	assert.Equal(t, http.StatusOK, serve(server, req).Code)
}

func TestCompressionOnSafeRoutes(t *testing.T) {
	server := createTestServer(Services{Allocations: &mockAllocationReader{}})

	req := httptest.NewRequest("GET", "/api/safes/"+testSafe+"/allocation", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := serve(server, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}
