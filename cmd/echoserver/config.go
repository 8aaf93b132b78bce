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
	listenAddr  string
	threads     int
	bufferSize  int
	logFormat   string
	logLevel    string
	metricsAddr string
	mdnsEnable  bool
	mdnsName    string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listenAddr := flag.String("listen", ":7000", "TCP listen address for the echo server")
	threads := flag.Int("threads", 4, "Worker goroutines sharing the readiness instance")
	bufferSize := flag.Int("buffer-size", 1024, "Per-worker read/echo buffer size in bytes")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise this server over mDNS for operator visibility")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default echoserver-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listenAddr
	cfg.threads = *threads
	cfg.bufferSize = *bufferSize
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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
	if c.threads <= 0 {
		return fmt.Errorf("threads must be > 0 (got %d)", c.threads)
	}
	if c.bufferSize <= 0 {
		return fmt.Errorf("buffer-size must be > 0 (got %d)", c.bufferSize)
	}
	return nil
}

// applyEnvOverrides maps ECHOLOAD_* environment variables onto cfg unless
// the corresponding flag was explicitly set (flag wins), the same
// precedence rule as the teacher's config.go.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("ECHOLOAD_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["threads"]; !ok {
		if v, ok := get("ECHOLOAD_THREADS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.threads = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ECHOLOAD_THREADS: %w", err)
			}
		}
	}
	if _, ok := set["buffer-size"]; !ok {
		if v, ok := get("ECHOLOAD_BUFFER_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.bufferSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ECHOLOAD_BUFFER_SIZE: %w", err)
			}
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
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ECHOLOAD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("ECHOLOAD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
