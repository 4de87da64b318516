package browsercache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "browsercache_clients",
		Help: "Connected browser workers",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "browsercache_messages_total",
		Help: "Control messages broadcast by type",
	}, []string{"type"})
)
