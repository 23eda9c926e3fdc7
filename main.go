// ovcoach - streaming wellness-coach relay for OmniaVital.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omniavital/ovcoach/internal/coach"
	"github.com/omniavital/ovcoach/internal/config"
	"github.com/omniavital/ovcoach/internal/gateway"
	"github.com/omniavital/ovcoach/internal/identity"
	"github.com/omniavital/ovcoach/internal/relay"
	"github.com/omniavital/ovcoach/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.ovcoach/config.toml)")
		port        = flag.Int("port", 0, "listen port (overrides config)")
		dbPath      = flag.String("db", "", "member database path (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ovcoach %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *port, *dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "ovcoach: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, portFlag int, dbFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if dbFlag != "" {
		cfg.Store.Path = dbFlag
	}

	if cfg.Gateway.APIKey == "" {
		log.Printf("CONFIG_WARN | gateway API key not set; chat turns will fail")
	}

	dbPath, err := cfg.DBPath()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open member store: %w", err)
	}
	defer db.Close()

	if err := db.SeedProducts(context.Background(), store.DefaultProducts()); err != nil {
		return fmt.Errorf("seed products: %w", err)
	}

	gw := gateway.NewClient(cfg.Gateway.APIKey).
		WithBaseURL(cfg.Gateway.BaseURL).
		WithModel(cfg.Gateway.Model).
		WithHeaderTimeout(time.Duration(cfg.Gateway.HeaderTimeoutSecs) * time.Second)

	srv := relay.NewServer(cfg.Server.Port).
		WithGateway(gw).
		WithContextBuilder(coach.NewContextBuilder(db, cfg.Store.LogWindowDays)).
		WithRateLimiter(relay.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateBurst))

	// Personalization only works with an identity service configured;
	// without one every turn degrades to the generic context.
	if cfg.Auth.URL != "" {
		srv.WithResolver(identity.NewResolver(cfg.Auth.URL, cfg.Auth.AnonKey))
	} else {
		log.Printf("CONFIG_WARN | auth URL not set; personalization disabled")
	}

	// Hot-reload the gateway settings on config change. Listener settings
	// need a restart.
	if configPath != "" {
		watcher, werr := config.NewWatcher(configPath, func(next *config.Config) {
			srv.WithGateway(gateway.NewClient(next.Gateway.APIKey).
				WithBaseURL(next.Gateway.BaseURL).
				WithModel(next.Gateway.Model).
				WithHeaderTimeout(time.Duration(next.Gateway.HeaderTimeoutSecs) * time.Second))
		})
		if werr != nil {
			log.Printf("CONFIG_WATCH_UNAVAILABLE | error=%v", werr)
		} else if werr := watcher.Watch(); werr != nil {
			log.Printf("CONFIG_WATCH_UNAVAILABLE | error=%v", werr)
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("STARTUP | version=%s port=%d db=%s model=%s",
		Version, srv.Port(), dbPath, gw.Model())
	return srv.ListenAndServe(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
