package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "broker_published_total",
		Help:      "Messages published per exchange, after confirmation.",
	}, []string{"exchange"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "broker_publish_failures_total",
		Help:      "Publishes that exhausted their retries.",
	}, []string{"exchange"})

	ConsumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "broker_consumed_total",
		Help:      "Deliveries dispatched to handlers per queue.",
	}, []string{"queue"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "worker_handler_failures_total",
		Help:      "Handler invocations that ended in task.failed.",
	}, []string{"queue"})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric",
		Name:      "hub_subscribers",
		Help:      "Currently registered stream subscriptions.",
	})

	HubDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Name:      "hub_dropped_chunks_total",
		Help:      "Chunks dropped from slow subscriber buffers.",
	})
)
