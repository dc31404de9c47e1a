// Package metrics exposes the driver's Prometheus gauges/histograms,
// grounded on 99souls-ariadne's use of github.com/prometheus/client_golang.
// Nothing in spec.md's Non-goals excludes observability; this is ambient
// ecosystem tooling, not a new functional feature.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the driver's metrics and the registerer they live in.
type Registry struct {
	reg *prometheus.Registry

	pollStepDuration *prometheus.HistogramVec
	pollStepErrors   *prometheus.CounterVec
	tickOverruns     prometheus.Counter
	modbusErrors     *prometheus.CounterVec
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	writesSkipped    prometheus.Counter
	writesSent       prometheus.Counter
}

// New creates a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		pollStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evse",
			Subsystem: "collector",
			Name:      "step_duration_seconds",
			Help:      "Duration of each Measurement Collector read step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		pollStepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evse",
			Subsystem: "collector",
			Name:      "step_errors_total",
			Help:      "Count of failed Measurement Collector read steps, by step.",
		}, []string{"step"}),
		tickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evse",
			Subsystem: "pollsched",
			Name:      "tick_overruns_total",
			Help:      "Ticks dropped because the previous iteration had not finished.",
		}),
		modbusErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evse",
			Subsystem: "modbus",
			Name:      "errors_total",
			Help:      "Modbus Client errors, by kind.",
		}, []string{"kind"}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evse", Subsystem: "session", Name: "opened_total", Help: "Sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evse", Subsystem: "session", Name: "closed_total", Help: "Sessions closed.",
		}),
		writesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evse", Subsystem: "control", Name: "writes_skipped_total", Help: "Register writes skipped by hysteresis.",
		}),
		writesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evse", Subsystem: "control", Name: "writes_sent_total", Help: "Register writes sent.",
		}),
	}
	reg.MustRegister(r.pollStepDuration, r.pollStepErrors, r.tickOverruns, r.modbusErrors,
		r.sessionsOpened, r.sessionsClosed, r.writesSkipped, r.writesSent)
	return r
}

// Registerer exposes the underlying Prometheus registry for the HTTP
// /metrics handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// ObservePollStep records a Measurement Collector step's latency and
// whether it failed.
func (r *Registry) ObservePollStep(step string, d time.Duration, failed bool) {
	r.pollStepDuration.WithLabelValues(step).Observe(d.Seconds())
	if failed {
		r.pollStepErrors.WithLabelValues(step).Inc()
	}
}

func (r *Registry) TickOverrun() { r.tickOverruns.Inc() }

func (r *Registry) ModbusError(kind string) { r.modbusErrors.WithLabelValues(kind).Inc() }

func (r *Registry) SessionOpened() { r.sessionsOpened.Inc() }
func (r *Registry) SessionClosed() { r.sessionsClosed.Inc() }

func (r *Registry) WriteSkipped() { r.writesSkipped.Inc() }
func (r *Registry) WriteSent()    { r.writesSent.Inc() }
