package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"targetoic/internal/logger"
)

// startMetricsServer exposes /metrics and /health when metrics_addr is
// configured. Returns nil when disabled.
func (p *Pipeline) startMetricsServer() *http.Server {
	if p.cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", p.healthHandler)

	srv := &http.Server{
		Addr:         p.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log := logger.WithComponent("metrics_server")
	go func() {
		log.Info().Str("addr", p.cfg.MetricsAddr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}

func (p *Pipeline) stopMetricsServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log := logger.WithComponent("metrics_server")
		log.Error().Err(err).Msg("metrics server shutdown error")
	}
}

func (p *Pipeline) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}
