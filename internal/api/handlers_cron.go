package api

import (
	"net/http"

	"github.com/auto-earn/internal/logging"
)

// handleSyncDeposits handles POST /api/cron/sync-deposits - Sync incoming deposits for every tracked Safe
func (s *Server) handleSyncDeposits(w http.ResponseWriter, r *http.Request) {
	if s.services.Sync == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "deposit sync is not enabled on this server", nil)
		return
	}

	ctx := logging.WithLogger(r.Context(), logging.FromContext(r.Context()).WithField("job", "sync"))
	summary, err := s.services.Sync.SyncAll(ctx)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": summary.Failed == 0,
		"summary": summary,
	})
}

// handleAutoEarn handles POST /api/cron/auto-earn - Run one auto-earn sweep
func (s *Server) handleAutoEarn(w http.ResponseWriter, r *http.Request) {
	if s.services.Sweep == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "auto-earn sweep is not enabled on this server", nil)
		return
	}

	ctx := logging.WithLogger(r.Context(), logging.FromContext(r.Context()).WithField("job", "sweep"))
	summary, err := s.services.Sweep.Run(ctx)
	if err != nil && summary == nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	body := map[string]interface{}{
		"success": err == nil && !summary.HasFailures(),
		"summary": summary,
	}
	if err != nil {
		// run cut short; report what was done
		status = http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	respondJSON(w, status, body)
}
