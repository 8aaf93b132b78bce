// Package metrics exposes Prometheus counters and gauges shared by the
// echo server, load client, and controller, plus a local atomic mirror for
// cheap periodic logging without scraping Prometheus in-process.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/andrewburian/echoload/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series, shared across all three binaries (each only touches
// the subset relevant to its role).
var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echoserver_connections_accepted_total",
		Help: "Total TCP connections accepted by the echo server.",
	})
	ConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echoserver_connections_closed_total",
		Help: "Total TCP connections closed by the echo server (any reason).",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echoserver_active_connections",
		Help: "Current number of connections held open by the echo server.",
	})
	BytesEchoed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echoserver_bytes_echoed_total",
		Help: "Total bytes read from a connection and written back to it.",
	})
	AcceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echoserver_accept_errors_total",
		Help: "Total fatal accept() errors observed by a worker.",
	})

	VolleysIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadctl_volleys_issued_total",
		Help: "Total COUNT+TEST volleys issued by the controller.",
	})
	ResultCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadctl_result_codes_total",
		Help: "RESULT codes received from clients, by code.",
	}, []string{"code"})

	TestsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadclient_tests_run_total",
		Help: "Total TEST commands executed by this client.",
	})
	SocketsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadclient_sockets_open",
		Help: "Current number of sockets held open to the target server.",
	})
	LastMinMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadclient_last_min_ms",
		Help: "Minimum sample latency (ms) of the most recent TEST.",
	})
	LastMaxMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadclient_last_max_ms",
		Help: "Maximum sample latency (ms) of the most recent TEST.",
	})
	LastSumMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadclient_last_sum_ms",
		Help: "Cumulative sample latency (ms) of the most recent TEST.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrAccept    = "accept"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrReadiness = "readiness"
	ErrDiscovery = "discovery"
	ErrConnect   = "connect"
	ErrProtocol  = "protocol"
)

// StartHTTP serves Prometheus metrics and a readiness probe on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging without scraping Prometheus.
var (
	localAccepted   uint64
	localClosed     uint64
	localBytes      uint64
	localErrors     uint64
	localTestsRun   uint64
	localVolleys    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Accepted uint64
	Closed   uint64
	Bytes    uint64
	Errors   uint64
	TestsRun uint64
	Volleys  uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepted: atomic.LoadUint64(&localAccepted),
		Closed:   atomic.LoadUint64(&localClosed),
		Bytes:    atomic.LoadUint64(&localBytes),
		Errors:   atomic.LoadUint64(&localErrors),
		TestsRun: atomic.LoadUint64(&localTestsRun),
		Volleys:  atomic.LoadUint64(&localVolleys),
	}
}

func IncAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncClosed() {
	ConnectionsClosed.Inc()
	atomic.AddUint64(&localClosed, 1)
}

func SetActiveConnections(n int) { ActiveConnections.Set(float64(n)) }

func AddBytesEchoed(n int) {
	BytesEchoed.Add(float64(n))
	atomic.AddUint64(&localBytes, uint64(n))
}

func IncAcceptError() { AcceptErrors.Inc() }

func IncVolley() {
	VolleysIssued.Inc()
	atomic.AddUint64(&localVolleys, 1)
}

func IncResultCode(code int) {
	ResultCodes.WithLabelValues(codeLabel(code)).Inc()
}

func IncTestRun() {
	TestsRun.Inc()
	atomic.AddUint64(&localTestsRun, 1)
}

func SetSocketsOpen(n int) { SocketsOpen.Set(float64(n)) }

func SetLastLatencies(minMS, maxMS, sumMS float64) {
	LastMinMS.Set(minMS)
	LastMaxMS.Set(maxMS)
	LastSumMS.Set(sumMS)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrAccept, ErrConnRead, ErrConnWrite, ErrReadiness, ErrDiscovery,
		ErrConnect, ErrProtocol,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

func codeLabel(code int) string {
	switch code {
	case 0:
		return "0"
	case 2:
		return "2"
	case 3:
		return "3"
	case 101:
		return "101"
	case 104:
		return "104"
	case 105:
		return "105"
	case 201:
		return "201"
	case -1:
		return "-1"
	default:
		return "other"
	}
}
