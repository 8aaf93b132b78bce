package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewburian/echoload/internal/discovery"
	"github.com/andrewburian/echoload/internal/loadclient"
	"github.com/andrewburian/echoload/internal/metrics"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("loadclient %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		os.Exit(0)
	}()

	ctx := context.Background()

	// Loop discovery and test sessions forever, so this client can be
	// rediscovered and reused after a controller issues DONE, per
	// main.c's outer while(1).
	for {
		conn, err := discovery.Discoverable(cfg.discoverPort, 0)
		if err != nil {
			l.Error("discovery_failed", "error", err)
			os.Exit(1)
		}
		l.Info("discovered_by_controller", "peer", conn.RemoteAddr().String())

		session := loadclient.NewSession(conn, l)
		killed, err := session.Run(ctx)
		_ = conn.Close()
		if err != nil {
			l.Warn("session_ended", "error", err)
		}
		if killed {
			l.Info("killed_by_controller")
			return
		}
		l.Info("released_by_controller")
	}
}
