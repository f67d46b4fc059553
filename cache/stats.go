package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachemesh_cache_operations_total",
		Help: "Cache operations, by verb and outcome.",
	}, []string{"verb", "outcome"})
	replications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachemesh_replication_total",
		Help: "Replica calls issued to peers, by operation and outcome.",
	}, []string{"operation", "outcome"})
)
