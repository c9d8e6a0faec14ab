// Package metrics exposes Prometheus collectors for pending power actions and
// wall broadcasts. All methods are safe on a nil *Metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "haltbot"

type Metrics struct {
	pending   prometheus.Gauge
	scheduled *prometheus.CounterVec
	cancelled prometheus.Counter
	fired     *prometheus.CounterVec
	broadcast *prometheus.CounterVec
}

// New registers the collectors on reg (the default registerer if nil).
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Number of armed power-off/reboot actions",
		}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_scheduled_total",
			Help:      "Power actions scheduled, by kind",
		}, []string{"kind"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_cancelled_total",
			Help:      "Power actions cancelled",
		}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_fired_total",
			Help:      "Power actions whose timer fired, by kind",
		}, []string{"kind"}),
		broadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Wall messages delivered to chats, by result",
		}, []string{"result"}),
	}

	var err error
	m.pending, err = register(reg, m.pending)
	if err != nil {
		return nil, err
	}
	if m.scheduled, err = register(reg, m.scheduled); err != nil {
		return nil, err
	}
	if m.cancelled, err = register(reg, m.cancelled); err != nil {
		return nil, err
	}
	if m.fired, err = register(reg, m.fired); err != nil {
		return nil, err
	}
	if m.broadcast, err = register(reg, m.broadcast); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) Scheduled(kind string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(kind).Inc()
}

func (m *Metrics) Cancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cancelled.Add(float64(n))
}

func (m *Metrics) Fired(kind string) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(kind).Inc()
}

// Broadcast counts one delivery attempt outcome ("ok" or "fail").
func (m *Metrics) Broadcast(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.broadcast.WithLabelValues(result).Inc()
}
