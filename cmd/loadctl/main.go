package main

import (
	"context"
	"fmt"
	"os"

	"github.com/andrewburian/echoload/internal/discovery"
	"github.com/andrewburian/echoload/internal/loadctl"
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
		fmt.Printf("loadctl %s (commit %s, built %s)\n", version, commit, date)
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

	// The controller listens for discovery callbacks one port above its own
	// broadcast port, per spec §6.5.
	callbackPort := cfg.discoverPort + 1
	conns, err := discovery.Discover(cfg.discoverPort, callbackPort, cfg.maxClients, 0)
	if err != nil {
		l.Error("discovery_failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	l.Info("clients_discovered", "count", len(conns))
	if len(conns) == 0 {
		l.Error("no_clients_discovered")
		os.Exit(1)
	}

	driver := loadctl.NewDriver(conns, l)

	if cfg.kill {
		l.Info("kill_mode")
		driver.SendKill()
		return
	}

	out, err := openOutput(cfg.outputPath)
	if err != nil {
		l.Error("output_open_failed", "error", err)
		os.Exit(1)
	}
	defer out.close()

	writer, err := loadctl.NewOutputWriter(out.w)
	if err != nil {
		l.Error("output_header_failed", "error", err)
		os.Exit(1)
	}

	volleyCfg := loadctl.VolleyConfig{
		ServerHost:      cfg.serverHost,
		ServerPort:      cfg.serverPort,
		DataSize:        cfg.dataSize,
		Iterations:      cfg.vollies,
		BaseConnections: cfg.baseConnects,
		Increment:       cfg.increment,
	}
	driver.RunVolleys(volleyCfg, writer)
}
