package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachemesh_discovery_messages_sent_total",
		Help: "Discovery announcements sent, by transport and outcome.",
	}, []string{"transport", "outcome"})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachemesh_discovery_messages_received_total",
		Help: "Discovery datagrams received, by disposition.",
	}, []string{"disposition"})
	peerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cachemesh_discovery_peers",
		Help: "Number of live peers in the registry.",
	})
)
