package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type appConfig struct {
	discoverPort int
	serverHost   string
	serverPort   int
	dataSize     int
	increment    int
	maxClients   int
	baseConnects int
	vollies      int
	outputPath   string
	kill         bool
	logFormat    string
	logLevel     string
	metricsAddr  string
}

const defaultDiscoverPort = 7002

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	discoverPort := flag.Int("discover-port", defaultDiscoverPort, "UDP port to broadcast discovery probes on")
	server := flag.String("server", "", "Echo server hostname or IP under test")
	serverPort := flag.Int("server-port", 0, "Echo server TCP port under test")
	dataSize := flag.Int("data-size", 64, "Payload size in bytes for each echo volley")
	increment := flag.Int("increment", 1, "Connections to add to the total after each successful volley")
	maxClients := flag.Int("clients", 1, "Maximum number of load-generating clients to discover")
	baseConnects := flag.Int("base-connects", 1, "Starting total connection count across all clients")
	vollies := flag.Int("vollies", 1, "Echo round-trips per TEST command (CYCLES)")
	output := flag.String("output", "", "Output CSV file path; empty writes to stdout")
	kill := flag.Bool("kill", false, "Discover clients, send KILL, and exit without testing")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9102); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.discoverPort = *discoverPort
	cfg.serverHost = *server
	cfg.serverPort = *serverPort
	cfg.dataSize = *dataSize
	cfg.increment = *increment
	cfg.maxClients = *maxClients
	cfg.baseConnects = *baseConnects
	cfg.vollies = *vollies
	cfg.outputPath = *output
	cfg.kill = *kill
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.discoverPort <= 0 {
		return fmt.Errorf("discover-port must be > 0 (got %d)", c.discoverPort)
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("clients must be > 0 (got %d)", c.maxClients)
	}
	if c.kill {
		// --kill only needs discovery; the test plan fields are irrelevant.
		return nil
	}
	if c.serverHost == "" {
		return errors.New("server is required")
	}
	if c.serverPort <= 0 {
		return fmt.Errorf("server-port must be > 0 (got %d)", c.serverPort)
	}
	if c.dataSize <= 0 {
		return fmt.Errorf("data-size must be > 0 (got %d)", c.dataSize)
	}
	if c.baseConnects <= 0 {
		return fmt.Errorf("base-connects must be > 0 (got %d)", c.baseConnects)
	}
	if c.vollies <= 0 {
		return fmt.Errorf("vollies must be > 0 (got %d)", c.vollies)
	}
	return nil
}

func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setIntIfAbsent := func(flagName, envName string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}

	setIntIfAbsent("discover-port", "ECHOLOAD_DISCOVER_PORT", &c.discoverPort)
	setIntIfAbsent("server-port", "ECHOLOAD_SERVER_PORT", &c.serverPort)
	setIntIfAbsent("data-size", "ECHOLOAD_DATA_SIZE", &c.dataSize)
	setIntIfAbsent("increment", "ECHOLOAD_INCREMENT", &c.increment)
	setIntIfAbsent("clients", "ECHOLOAD_CLIENTS", &c.maxClients)
	setIntIfAbsent("base-connects", "ECHOLOAD_BASE_CONNECTS", &c.baseConnects)
	setIntIfAbsent("vollies", "ECHOLOAD_VOLLIES", &c.vollies)

	if _, ok := set["server"]; !ok {
		if v, ok := get("ECHOLOAD_SERVER"); ok && v != "" {
			c.serverHost = v
		}
	}
	if _, ok := set["output"]; !ok {
		if v, ok := get("ECHOLOAD_OUTPUT"); ok {
			c.outputPath = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ECHOLOAD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ECHOLOAD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ECHOLOAD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return firstErr
}
