// target-oic is a Singer target that loads records into Oracle Integration
// Cloud. It reads SCHEMA/RECORD/STATE messages from stdin, batches records
// per stream, and POSTs them to OIC REST endpoints with OAuth2
// client-credentials authentication. Advanced state bookmarks are written
// to stdout once their deliveries are confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"targetoic/internal/auth"
	"targetoic/internal/config"
	"targetoic/internal/deadletter"
	"targetoic/internal/delivery"
	"targetoic/internal/logger"
	"targetoic/internal/pipeline"
	"targetoic/internal/singer"
	"targetoic/internal/state"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (JSON or YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("target-oic " + version)
		return
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: target-oic --config <file>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")
	log.Info().Str("version", version).Str("base_url", cfg.BaseURL).Msg("target-oic starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the message loop on SIGINT/SIGTERM; the pipeline then drains
	// and delivers remaining buffers before exiting.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	tokens := auth.NewManager(auth.Config{
		ClientID:         cfg.OAuthClientID,
		ClientSecret:     cfg.OAuthClientSecret,
		TokenURL:         cfg.OAuthTokenURL,
		ClientAud:        cfg.OAuthClientAud,
		Scope:            cfg.OAuthScope,
		RefreshThreshold: cfg.RefreshThreshold,
		RequestTimeout:   cfg.RequestTimeout,
	})

	dlq, err := deadletter.FromSettings(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize dead letter sink")
		os.Exit(1)
	}
	defer dlq.Close()

	audit := state.NewNoopStore()
	if cfg.RedisURL != "" {
		audit, err = state.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect delivery audit store")
			os.Exit(1)
		}
		log.Info().Msg("delivery audit store connected")
	}
	defer audit.Close()

	p := pipeline.New(cfg, pipeline.Deps{
		Deliverer:  delivery.New(cfg, tokens),
		DeadLetter: dlq,
		Emitter:    state.NewEmitter(os.Stdout),
		Audit:      audit,
	})

	if err := p.Run(ctx, singer.NewReader(os.Stdin)); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}

	log.Info().Msg("run complete")
}
