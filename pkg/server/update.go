package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wattwindow/wattwindow/pkg/log"
)

// handleUpdate forces a refresh cycle outside the regular interval. It is
// meant to be hit by a scheduler (e.g. Cloud Scheduler) or an operator after
// an out-of-band change.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireUpdater(w, r) {
		return
	}

	res, err := s.refresher.Refresh(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "refresh failed", slog.Any("error", err))
		writeJSONError(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"update: refresh complete",
		slog.String("reason", res.Reason),
		slog.String("state", string(res.Report.State)),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"reason": res.Reason,
		"report": res.Report,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
