// Package metrics экспортирует телеметрию софтфона в Prometheus.
//
// Collector подписывается на поток событий как events.Sink и только
// наблюдает: состояние линии, источник аренды, исходы вызовов и DTMF.
package metrics

import (
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// registrationStates известные состояния линии для gauge
var registrationStates = []string{
	"disconnected",
	"connecting",
	"connected",
	"registered",
	"registration_failed",
	"unregistered",
}

// Config конфигурация метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Dropped источник числа отброшенных событий, может быть nil
	Dropped func() uint64
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "softphone"}
}

// Collector собирает метрики из событий
type Collector struct {
	registrationState       *prometheus.GaugeVec
	registrationTransitions *prometheus.CounterVec
	leasesTotal             *prometheus.CounterVec
	callsTotal              *prometheus.CounterVec
	callTransitions         *prometheus.CounterVec
	originateRefused        *prometheus.CounterVec
	glareRejected           prometheus.Counter
	dtmfTotal               prometheus.Counter
}

// New регистрирует метрики в reg и возвращает collector
func New(reg prometheus.Registerer, cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	c := &Collector{
		registrationState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "state",
			Help:      "Current registration state of the line (1 for the active state)",
		}, []string{"state"}),
		registrationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "transitions_total",
			Help:      "Registration state transitions by target state",
		}, []string{"to"}),
		leasesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "lease",
			Name:      "acquisitions_total",
			Help:      "Lease acquisitions by result (remote, pool, no_capacity, failed)",
		}, []string{"result"}),
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "outcomes_total",
			Help:      "Finished calls by direction and terminal state",
		}, []string{"direction", "outcome"}),
		callTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "transitions_total",
			Help:      "Call state transitions by target state",
		}, []string{"to"}),
		originateRefused: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "originate_refused_total",
			Help:      "Outgoing call attempts refused before signaling, by error code",
		}, []string{"code"}),
		glareRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "glare_rejected_total",
			Help:      "Incoming sessions rejected while another call was tracked",
		}),
		dtmfTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "dtmf_digits_total",
			Help:      "DTMF digits sent",
		}),
	}

	if cfg.Dropped != nil {
		dropped := cfg.Dropped
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Telemetry events dropped because a sink queue was full",
		}, func() float64 { return float64(dropped()) })
	}

	c.setRegistrationState("disconnected")
	return c
}

// Publish реализует events.Sink
func (c *Collector) Publish(e events.Event) {
	switch e.Scope {
	case events.ScopeRegistration:
		if e.Name == events.RegistrationStateChanged {
			to := e.Str("to")
			c.registrationTransitions.WithLabelValues(to).Inc()
			c.setRegistrationState(to)
		}

	case events.ScopeLease:
		switch e.Name {
		case events.LeaseAcquired:
			c.leasesTotal.WithLabelValues(e.Str("source")).Inc()
		case events.LeaseNoCapacity:
			c.leasesTotal.WithLabelValues("no_capacity").Inc()
		case events.LeaseFailed:
			c.leasesTotal.WithLabelValues("failed").Inc()
		}

	case events.ScopeCall:
		switch e.Name {
		case events.CallStateChanged:
			to := e.Str("to")
			c.callTransitions.WithLabelValues(to).Inc()
			if terminal(to) {
				c.callsTotal.WithLabelValues(e.Str("direction"), to).Inc()
			}
		case events.CallOriginateRefused:
			c.originateRefused.WithLabelValues(e.Str("code")).Inc()
		case events.CallGlareRejected:
			c.glareRejected.Inc()
		case events.CallDigitSent:
			c.dtmfTotal.Inc()
		}
	}
}

func (c *Collector) setRegistrationState(state string) {
	for _, s := range registrationStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.registrationState.WithLabelValues(s).Set(v)
	}
}

func terminal(state string) bool {
	return state == "ended" || state == "failed" || state == "rejected"
}
