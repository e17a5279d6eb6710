package service

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// SettingsService manages users' auto-earn opt-in
type SettingsService struct {
	configs ConfigRepository
	modules ModuleChecker
	chainID int64
}

// NewSettingsService creates a new settings service. modules may be nil, in
// which case module status is never refreshed from chain.
func NewSettingsService(configs ConfigRepository, modules ModuleChecker, chainID int64) *SettingsService {
	return &SettingsService{
		configs: configs,
		modules: modules,
		chainID: chainID,
	}
}

// SetPercentage stores the savings percentage for (user, safe). It applies from the next sweep.
func (s *SettingsService) SetPercentage(ctx context.Context, userDID, safe string, pct int) (*models.AutoEarnConfig, error) {
	userDID = strings.TrimSpace(userDID)
	if userDID == "" {
		return nil, apperrors.NewInvalidParameterError("userId", "is required")
	}
	if !types.IsHexAddress(safe) {
		return nil, apperrors.NewInvalidAddressError(safe)
	}
	if pct < 0 || pct > 100 {
		return nil, apperrors.NewInvalidParameterError("percentage", "must be between 0 and 100")
	}

	cfg := &models.AutoEarnConfig{
		UserDID:     userDID,
		SafeAddress: types.NormalizeAddress(safe),
		Percentage:  pct,
	}
	if err := s.configs.Upsert(ctx, cfg); err != nil {
		return nil, apperrors.NewDatabaseError("upsert auto-earn config", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user":       userDID,
		"safe":       cfg.SafeAddress,
		"percentage": pct,
	}).Info("Auto-earn percentage updated")

	return cfg, nil
}

// RefreshModuleStatus reads isModuleEnabled from the Safe and stores the result
func (s *SettingsService) RefreshModuleStatus(ctx context.Context, safe string) (bool, error) {
	if !types.IsHexAddress(safe) {
		return false, apperrors.NewInvalidAddressError(safe)
	}
	if s.modules == nil {
		return false, apperrors.NewConfigError(errors.New("module checker not configured"))
	}

	enabled, err := s.modules.IsModuleEnabled(ctx, common.HexToAddress(safe))
	if err != nil {
		return false, err
	}
	if err := s.configs.SetModuleEnabled(ctx, types.NormalizeAddress(safe), s.chainID, enabled); err != nil {
		return false, apperrors.NewDatabaseError("record module status", err)
	}
	return enabled, nil
}
