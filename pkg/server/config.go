package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wattwindow/wattwindow/pkg/log"
	"github.com/wattwindow/wattwindow/pkg/types"
)

func (s *Server) getConfigWithMigration(ctx context.Context) (types.Config, error) {
	instanceID := s.refresher.InstanceID()
	cfg, version, err := s.storage.GetConfig(ctx, instanceID)
	if err != nil {
		return types.Config{}, err
	}

	// Check for migration
	if version < types.CurrentConfigVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating config", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentConfigVersion))
		newCfg, changed, err := types.MigrateConfig(cfg, version)
		if err != nil {
			// Log error but return config as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate config", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			cfg = newCfg
			if err := s.storage.SetConfig(ctx, instanceID, newCfg, types.CurrentConfigVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated config", slog.Any("error", err))
				// Return migrated config even if save failed, so current request works with new defaults
			}
		}
	}

	return cfg, nil
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.getConfigWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func validateDayParams(name string, d types.DayParams) error {
	if d.ChargeWindowCount < 0 || d.DischargeWindowCount < 0 {
		return fmt.Errorf("%s window counts cannot be negative", name)
	}
	if d.CheapPercentile < 0 || d.CheapPercentile > 100 {
		return fmt.Errorf("%s cheap percentile must be between 0 and 100", name)
	}
	if d.ExpensivePercentile < 0 || d.ExpensivePercentile > 100 {
		return fmt.Errorf("%s expensive percentile must be between 0 and 100", name)
	}
	if d.MinPriceDifference < 0 {
		return fmt.Errorf("%s minimum price difference cannot be negative", name)
	}
	if d.CalculationWindowEnabled {
		if _, err := types.ParseClockRange(d.CalculationWindowStart, d.CalculationWindowEnd); err != nil {
			return fmt.Errorf("%s calculation window: %w", name, err)
		}
	}
	return nil
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.requireUpdater(w, r) {
		return
	}

	var cfg types.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode config", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateDayParams("today", cfg.Today); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateDayParams("tomorrow", cfg.Tomorrow); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cfg.BatteryRTE < 0 || cfg.BatteryRTE > 100 {
		writeJSONError(w, "battery round-trip efficiency must be between 0 and 100", http.StatusBadRequest)
		return
	}
	if cfg.QuietHoursEnabled {
		if _, err := types.ParseClockRange(cfg.QuietHoursStart, cfg.QuietHoursEnd); err != nil {
			writeJSONError(w, fmt.Sprintf("quiet hours: %v", err), http.StatusBadRequest)
			return
		}
	}
	if cfg.TimeOverrideEnabled {
		if _, err := types.ParseClockRange(cfg.TimeOverrideStart, cfg.TimeOverrideEnd); err != nil {
			writeJSONError(w, fmt.Sprintf("time override: %v", err), http.StatusBadRequest)
			return
		}
		if !cfg.TimeOverrideState.Valid() {
			writeJSONError(w, fmt.Sprintf("invalid time override state %q", cfg.TimeOverrideState), http.StatusBadRequest)
			return
		}
	}

	cfg = cfg.Clamp()

	if err := s.storage.SetConfig(ctx, s.refresher.InstanceID(), cfg, types.CurrentConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save config", slog.Any("error", err))
		writeJSONError(w, "failed to save config", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "config updated")

	// recompute immediately so the next report reflects the new config
	if _, err := s.refresher.Refresh(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to refresh after config update", slog.Any("error", err))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		panic(http.ErrAbortHandler)
	}
}
