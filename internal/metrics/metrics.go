// Package metrics exposes application metrics collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gabriel",
		Subsystem: "rpc_client",
		Name:      "operations_total",
		Help:      "Count of Bitcoin node RPC operations.",
	}, []string{"operation", "status"})
	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gabriel",
		Subsystem: "rpc_client",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Bitcoin node RPC operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})

	blockAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gabriel",
		Subsystem: "processor",
		Name:      "blocks_applied_total",
		Help:      "Count of blocks run through the forward-apply algorithm.",
	}, []string{"status"})
	blockAppliedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gabriel",
		Subsystem: "processor",
		Name:      "block_applied_duration_seconds",
		Help:      "Duration of applying one block, including any reorg rewind it triggers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})

	reorgDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gabriel",
		Subsystem: "processor",
		Name:      "reorg_depth_blocks",
		Help:      "Depth of chain reorganizations handled or refused.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1..512
	})

	subscriberDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gabriel",
		Subsystem: "subscriber",
		Name:      "dropped_consumers_total",
		Help:      "Count of subscribers dropped for falling behind the publish rate.",
	})
)

// RPCClient adapts bitcoin.RPCMetrics to promauto collectors.
type RPCClient struct{}

// NewRPCClient constructs an RPCClient metrics collector.
func NewRPCClient() RPCClient { return RPCClient{} }

// Observe records one RPC call's outcome and duration.
func (RPCClient) Observe(operation string, err error, started time.Time) {
	status := statusOf(err)
	rpcRequestsTotal.WithLabelValues(operation, status).Inc()
	rpcRequestDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// Processor adapts processor.Metrics to promauto collectors.
type Processor struct{}

// NewProcessor constructs a Processor metrics collector.
func NewProcessor() Processor { return Processor{} }

// ObserveBlockApplied records one call to the forward-apply algorithm.
func (Processor) ObserveBlockApplied(_ uint32, d time.Duration, err error) {
	status := statusOf(err)
	blockAppliedTotal.WithLabelValues(status).Inc()
	blockAppliedDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveReorg records the depth of a handled or refused reorganization.
func (Processor) ObserveReorg(depth uint32) {
	reorgDepth.Observe(float64(depth))
}

// ObserveSubscriberDrop records a subscriber dropped for falling behind.
func ObserveSubscriberDrop() {
	subscriberDropsTotal.Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
