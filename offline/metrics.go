package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueEntriesTotal counts resolved entries by class and result
	queueEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_queue_entries_total",
		Help: "Total resolved queue entries by class and result",
	}, []string{"class", "result"})

	// queueDispatchDuration tracks the time from dispatch to resolution
	queueDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_queue_dispatch_duration_seconds",
		Help:    "Remote invocation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"class"})

	// queueOutstanding is the number of entries not yet resolved
	queueOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_outstanding",
		Help: "Queue entries pending or dispatched",
	})

	// queuePending is the number of entries waiting for dispatch
	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_pending",
		Help: "Queue entries waiting for dispatch",
	})

	// queueOfflineTotal counts transitions to offline
	queueOfflineTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_queue_offline_total",
		Help: "Total times the queue went offline on network unavailable",
	})

	// alertsTotal counts alert-class errors by kind
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_alerts_total",
		Help: "Total alert-class errors by kind",
	}, []string{"kind"})
)

func entryClass(descriptor *MutationDescriptor) string {
	switch {
	case descriptor.IsSideEffect:
		return "side_effect"
	case descriptor.IsRead:
		return "read"
	default:
		return "write"
	}
}
