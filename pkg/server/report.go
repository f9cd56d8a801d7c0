package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/refresher"
	"github.com/wattwindow/wattwindow/pkg/types"
)

// lastResult returns the most recent cycle, computing one on demand when the
// server was just started and the loop hasn't ticked yet.
func (s *Server) lastResult(w http.ResponseWriter, r *http.Request) (refresher.Result, bool) {
	ctx := r.Context()
	if res := s.refresher.Last(); res != nil {
		return *res, true
	}
	res, err := s.refresher.Refresh(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute report", slog.Any("error", err))
		writeJSONError(w, "failed to compute report", http.StatusInternalServerError)
		return refresher.Result{}, false
	}
	return res, true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lastResult(w, r)
	if !ok {
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// PricesRes is the response type for GET /api/prices.
type PricesRes struct {
	Today         []types.PriceInterval `json:"today"`
	Tomorrow      []types.PriceInterval `json:"tomorrow,omitempty"`
	TomorrowValid bool                  `json:"tomorrowValid"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lastResult(w, r)
	if !ok {
		return
	}

	resp := PricesRes{
		Today:         res.Today.Prices,
		Tomorrow:      res.Tomorrow.Prices,
		TomorrowValid: res.Report.TomorrowValid,
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}
