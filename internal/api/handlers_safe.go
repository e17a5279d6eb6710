package api

import (
	"net/http"
	"strconv"

	"github.com/auto-earn/internal/types"
	"github.com/gorilla/mux"
)

// handleVaultPosition handles GET /api/safes/{address}/vault-position
func (s *Server) handleVaultPosition(w http.ResponseWriter, r *http.Request) {
	if s.services.Positions == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "vault positions are not enabled on this server", nil)
		return
	}
	address := mux.Vars(r)["address"]

	pos, err := s.services.Positions.GetPosition(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, pos)
}

// handleAllocation handles GET /api/safes/{address}/allocation[?repair=true]
func (s *Server) handleAllocation(w http.ResponseWriter, r *http.Request) {
	if s.services.Allocations == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "allocations are not enabled on this server", nil)
		return
	}
	address := mux.Vars(r)["address"]

	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "repair must be a boolean", nil)
			return
		}
		repair = parsed
	}

	report, err := s.services.Allocations.Reconcile(r.Context(), address, repair)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleSetAutoEarn handles PUT /api/safes/{address}/auto-earn - Set the savings percentage
func (s *Server) handleSetAutoEarn(w http.ResponseWriter, r *http.Request) {
	if s.services.Settings == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "settings are not enabled on this server", nil)
		return
	}
	address := mux.Vars(r)["address"]

	var req struct {
		UserID     string `json:"userId"`
		Percentage *int   `json:"percentage"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Percentage == nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "percentage is required", nil)
		return
	}
	if !types.IsHexAddress(address) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid Safe address", nil)
		return
	}

	cfg, err := s.services.Settings.SetPercentage(r.Context(), req.UserID, address, *req.Percentage)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, cfg)
}

// handleRefreshModuleStatus handles POST /api/safes/{address}/module-status - Re-read isModuleEnabled from chain
func (s *Server) handleRefreshModuleStatus(w http.ResponseWriter, r *http.Request) {
	if s.services.Settings == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "settings are not enabled on this server", nil)
		return
	}
	address := mux.Vars(r)["address"]

	enabled, err := s.services.Settings.RefreshModuleStatus(r.Context(), address)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"safeAddress":   types.NormalizeAddress(address),
		"moduleEnabled": enabled,
	})
}
