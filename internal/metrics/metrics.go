package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/canlan/go-can-remote/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	EventsRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remote_rx_events_total",
		Help: "Total protocol events received from TCP clients.",
	})
	EventsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remote_tx_events_total",
		Help: "Total protocol events sent to TCP clients.",
	})
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames transmitted on bus handles.",
	})
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames received from bus handles.",
	})
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handshake_failures_total",
		Help: "Total client connections rejected during handshake.",
	})
	TransmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transmit_failures_total",
		Help: "Total per-message bus send failures reported to clients.",
	})
	MalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_events_total",
		Help: "Total protocol decode failures on the wire.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total connection attempts rejected (e.g., max-clients).",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Current number of connected client sessions.",
	})
	PeriodicTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "periodic_tasks_active",
		Help: "Current number of active periodic transmission tasks.",
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

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrHandshake = "handshake"
	ErrVersion   = "version"
	ErrDecode    = "decode"
	ErrBusOpen   = "bus_open"
	ErrBusSend   = "bus_send"
	ErrBusRecv   = "bus_recv"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
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
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging.
var (
	localEventsRx       uint64
	localEventsTx       uint64
	localBusTx          uint64
	localBusRx          uint64
	localHandshakeFails uint64
	localTransmitFails  uint64
	localMalformed      uint64
	localRejected       uint64
	localErrors         uint64
	localSessions       uint64
	localPeriodic       int64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	EventsRx       uint64
	EventsTx       uint64
	BusTx          uint64
	BusRx          uint64
	HandshakeFails uint64
	TransmitFails  uint64
	Malformed      uint64
	Rejected       uint64
	Errors         uint64 // sum across error labels
	Sessions       uint64
	PeriodicTasks  uint64
}

func Snap() Snapshot {
	return Snapshot{
		EventsRx:       atomic.LoadUint64(&localEventsRx),
		EventsTx:       atomic.LoadUint64(&localEventsTx),
		BusTx:          atomic.LoadUint64(&localBusTx),
		BusRx:          atomic.LoadUint64(&localBusRx),
		HandshakeFails: atomic.LoadUint64(&localHandshakeFails),
		TransmitFails:  atomic.LoadUint64(&localTransmitFails),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Rejected:       atomic.LoadUint64(&localRejected),
		Errors:         atomic.LoadUint64(&localErrors),
		Sessions:       atomic.LoadUint64(&localSessions),
		PeriodicTasks:  uint64(atomic.LoadInt64(&localPeriodic)),
	}
}

// Wrapper helpers to keep call sites simple.
func IncEventRx() {
	EventsRx.Inc()
	atomic.AddUint64(&localEventsRx, 1)
}

func AddEventTx(n int) {
	EventsTx.Add(float64(n))
	atomic.AddUint64(&localEventsTx, uint64(n))
}

func IncBusTx() {
	BusTxFrames.Inc()
	atomic.AddUint64(&localBusTx, 1)
}

func IncBusRx() {
	BusRxFrames.Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncHandshakeFail() {
	HandshakeFailures.Inc()
	atomic.AddUint64(&localHandshakeFails, 1)
}

func IncTransmitFail() {
	TransmitFailures.Inc()
	atomic.AddUint64(&localTransmitFails, 1)
}

func IncMalformed() {
	MalformedEvents.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncSessionReject() {
	SessionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetSessions(n int) {
	ActiveSessions.Set(float64(n))
	atomic.StoreUint64(&localSessions, uint64(n))
}

func IncPeriodicTasks() {
	PeriodicTasks.Inc()
	atomic.AddInt64(&localPeriodic, 1)
}

func DecPeriodicTasks() {
	PeriodicTasks.Dec()
	atomic.AddInt64(&localPeriodic, -1)
}

// SubPeriodicTasks removes n tasks from the gauge at once (session teardown).
func SubPeriodicTasks(n int) {
	PeriodicTasks.Sub(float64(n))
	atomic.AddInt64(&localPeriodic, -int64(n))
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrVersion,
		ErrDecode, ErrBusOpen, ErrBusSend, ErrBusRecv,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not wired yet: report ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
