package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"udplistener/pkg/endpoint"
	"udplistener/pkg/pserver"
)

// Metrics contains the Prometheus metrics of the listener loop
type Metrics struct {
	registry *prometheus.Registry

	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	CommandsFired     *prometheus.CounterVec
	Unmatched         prometheus.Counter
	DecodeErrors      prometheus.Counter
}

// New creates the metrics on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "udplistener_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "udplistener_bytes_received_total",
			Help: "Total payload bytes received",
		}),
		CommandsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "udplistener_commands_fired_total",
			Help: "Commands dispatched, by keyword",
		}, []string{"keyword"}),
		Unmatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "udplistener_unmatched_datagrams_total",
			Help: "Datagrams that matched no registered command",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "udplistener_decode_errors_total",
			Help: "Datagrams dropped because they could not be decoded",
		}),
	}
}

// Middleware counts every datagram before handing it on
func (m *Metrics) Middleware(next pserver.HandlerFunc) pserver.HandlerFunc {
	return func(ctx context.Context, conn pserver.Conn, dg endpoint.Datagram) {
		m.DatagramsReceived.Inc()
		m.BytesReceived.Add(float64(len(dg.Payload)))
		next(ctx, conn, dg)
	}
}

// Hooks records dispatch outcomes
func (m *Metrics) Hooks() pserver.Hooks {
	return pserver.Hooks{
		OnDispatch: func(_ context.Context, fired []string) {
			if len(fired) == 0 {
				m.Unmatched.Inc()
				return
			}
			for _, kw := range fired {
				m.CommandsFired.WithLabelValues(kw).Inc()
			}
		},
		OnDecodeError: func(context.Context, endpoint.Datagram, error) {
			m.DecodeErrors.Inc()
		},
	}
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
