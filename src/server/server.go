package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/audit"
	"signalpipeline/src/breaker"
	"signalpipeline/src/config"
	"signalpipeline/src/fusion"
	"signalpipeline/src/lifecycle"
	"signalpipeline/src/regime"
)

// State exposes the live components the ops endpoints report on and control.
type State struct {
	Config  *config.Store
	Circuit *breaker.Circuit
	Kill    *breaker.KillSwitch
	Regimes *regime.Router
	Weights *fusion.WeightStore
	Manager *lifecycle.Manager
	Ledger  *audit.Ledger
}

// StartServer runs the ops HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully.
func StartServer(port string, state State) {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		equity, drawdown := state.Manager.Equity()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"circuit_breaker": state.Circuit.State(),
			"kill_switch":     state.Kill.State(),
			"regime":          state.Regimes.Current(),
			"weight_version":  state.Weights.Current().Version,
			"open_positions":  state.Manager.OpenCount(),
			"equity":          equity,
			"drawdown_pct":    drawdown,
		})
	})

	r.Post("/killswitch/rearm", func(w http.ResponseWriter, r *http.Request) {
		if err := state.Kill.Rearm(r.Context()); err != nil {
			status := http.StatusConflict
			if !errors.Is(err, breaker.ErrRearmNotTriggered) {
				status = http.StatusInternalServerError
			}
			writeJSON(w, status, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"kill_switch": state.Kill.State()})
	})

	r.Post("/config/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := state.Config.Reload(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded"})
	})

	r.Get("/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		result, err := state.Ledger.Verify(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records":   result.Records,
			"intact":    result.BrokenAt == nil,
			"broken_at": result.BrokenAt,
		})
	})

	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("response encode error")
	}
}
