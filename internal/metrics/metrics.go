// Package metrics exports engine and step counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	hpprof "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schedtx/internal/eventbus"
	"schedtx/internal/node"
	"schedtx/internal/sched"
	logx "schedtx/pkg/logx"
)

const namespace = "schedtx"

// StatsSource is read on every scrape.
type StatsSource interface {
	Stats() sched.Stats
}

var (
	descInserted = prometheus.NewDesc(namespace+"_inserted_total", "Entries admitted to the queue.", nil, nil)
	descCancel   = prometheus.NewDesc(namespace+"_cancelled_total", "Entries removed by their owner.", nil, nil)
	descReady    = prometheus.NewDesc(namespace+"_ready_total", "Entries handed out for dispatch.", nil, nil)
	descExpired  = prometheus.NewDesc(namespace+"_expired_total", "Entries expired and refunded.", nil, nil)
	descShutdown = prometheus.NewDesc(namespace+"_shutdown_removed_total", "Entries removed and refunded by shutdown passes.", nil, nil)
	descPurged   = prometheus.NewDesc(namespace+"_purged_total", "Dispatched entries purged from the queue.", nil, nil)
	descRefundFx = prometheus.NewDesc(namespace+"_refund_failures_total", "Refund transfers that failed.", nil, nil)
	descDepth    = prometheus.NewDesc(namespace+"_queue_depth", "Entries currently queued.", nil, nil)
	descPending  = prometheus.NewDesc(namespace+"_pending_removals", "Completed keys waiting for the next drain.", nil, nil)
	descHeld     = prometheus.NewDesc(namespace+"_escrow_held", "Deposit currently held in escrow.", nil, nil)
	descStopped  = prometheus.NewDesc(namespace+"_stopped", "1 while scheduling is stopped.", nil, nil)
)

type engineCollector struct{ src StatsSource }

var _ prometheus.Collector = engineCollector{}

func (engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descInserted, descCancel, descReady, descExpired, descShutdown, descPurged, descRefundFx, descDepth, descPending, descHeld, descStopped} {
		ch <- d
	}
}

func (c engineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(descInserted, st.Inserted)
	counter(descCancel, st.Cancelled)
	counter(descReady, st.Ready)
	counter(descExpired, st.Expired)
	counter(descShutdown, st.ShutdownRemoved)
	counter(descPurged, st.Purged)
	counter(descRefundFx, st.RefundFailures)
	gauge(descDepth, float64(st.QueueDepth))
	gauge(descPending, float64(st.PendingRemovals))
	gauge(descHeld, float64(st.EscrowHeld))
	stopped := 0.0
	if st.Config.StopScheduling {
		stopped = 1
	}
	gauge(descStopped, stopped)
}

// Metrics owns a private registry with the engine collector, step metrics
// and the Go runtime collectors.
type Metrics struct {
	reg      *prometheus.Registry
	dispatch *prometheus.CounterVec
	stepDur  prometheus.Histogram
	steps    prometheus.Counter
	log      logx.Logger
}

func New(src StatsSource, log logx.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by result.",
		}, []string{"result"}),
		stepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one step, including waiting for its dispatches.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps run.",
		}),
		log: log.With(logx.String("comp", "metrics")),
	}
	m.reg.MustRegister(
		engineCollector{src: src},
		m.dispatch,
		m.stepDur,
		m.steps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveStep records one step report.
func (m *Metrics) ObserveStep(rep node.StepReport) {
	m.steps.Inc()
	m.stepDur.Observe(rep.Duration.Seconds())
	m.dispatch.WithLabelValues("ok").Add(float64(rep.Dispatched))
	m.dispatch.WithLabelValues("failed").Add(float64(rep.Failed))
	m.dispatch.WithLabelValues("dropped").Add(float64(rep.Dropped))
}

// Follow feeds step reports from bus into the metrics until ctx ends.
func (m *Metrics) Follow(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64, node.EventStepCompleted)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if rep, ok := ev.Data.(node.StepReport); ok {
				m.ObserveStep(rep)
			}
		}
	}
}

// Handler serves the registry at path plus /healthz, and the pprof
// endpoints under /debug/pprof/ when withPprof is set.
func (m *Metrics) Handler(path string, withPprof bool) http.Handler {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if withPprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}
