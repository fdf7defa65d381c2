package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHealthyInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrill_pool_healthy_instances",
		Help: "Number of instances currently passing health checks, per pool.",
	}, []string{"pool"})

	poolActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentrill_pool_active_connections",
		Help: "Currently leased connections, per pool and instance.",
	}, []string{"pool", "instance"})

	poolBreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrill_pool_circuit_breaker_opens_total",
		Help: "Circuit breaker open transitions, per pool and instance.",
	}, []string{"pool", "instance"})
)
