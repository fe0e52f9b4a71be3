package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedmarket/relay/internal/feed"
)

// metrics holds this relay instance's collectors in its own registry, so
// several relays can run in one process without registration clashes
type metrics struct {
	registry *prometheus.Registry

	clients prometheus.Gauge

	relayed prometheus.Counter

	dropped prometheus.Counter
}

func newMetrics(pool *feed.Pool) *metrics {

	m := &metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connected_clients",
			Help:      "Number of connected client websockets.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_relayed_total",
			Help:      "Feed messages broadcast to rooms.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "writes_dropped_total",
			Help:      "Client writes dropped on timeout or error.",
		}),
	}

	liveFeeds := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "live_feeds",
		Help:      "Number of live upstream feed connections.",
	}, func() float64 { return float64(pool.Count()) })

	m.registry.MustRegister(m.clients, m.relayed, m.dropped, liveFeeds)

	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
