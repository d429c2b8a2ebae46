package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_cycle_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	opensSubmitted   prometheus.Counter
	closesSubmitted  prometheus.Counter
	cyclesCompleted  prometheus.Counter
	streamReconnects prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders accepted by the exchange.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order submission failures.",
	})
	opensSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "opens_submitted_total",
		Help:      "Total number of position open orders submitted.",
	})
	closesSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "closes_submitted_total",
		Help:      "Total number of position close orders submitted.",
	})
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of completed open/close cycles.",
	})
	streamReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stream_reconnects_total",
		Help:      "Total number of account stream reconnect attempts.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, opensSubmitted, closesSubmitted, cyclesCompleted, streamReconnects)

	return &Prometheus{
		Metrics: &Metrics{
			OrdersPlaced:     promCounter{ordersPlaced},
			OrdersFailed:     promCounter{ordersFailed},
			OpensSubmitted:   promCounter{opensSubmitted},
			ClosesSubmitted:  promCounter{closesSubmitted},
			CyclesCompleted:  promCounter{cyclesCompleted},
			StreamReconnects: promCounter{streamReconnects},
		},
		registry:         registry,
		ordersPlaced:     ordersPlaced,
		ordersFailed:     ordersFailed,
		opensSubmitted:   opensSubmitted,
		closesSubmitted:  closesSubmitted,
		cyclesCompleted:  cyclesCompleted,
		streamReconnects: streamReconnects,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
