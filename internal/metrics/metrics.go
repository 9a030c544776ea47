package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_enqueued_total",
			Help: "Messages written to the message store",
		},
		[]string{"origin"},
	)

	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_claimed_total",
			Help: "Messages claimed by device workers",
		},
		[]string{"device_id"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_sent_total",
			Help: "Messages delivered to the transport",
		},
		[]string{"origin"},
	)

	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_failed_total",
			Help: "Messages that reached the failed state",
		},
		[]string{"origin", "error_code"},
	)

	MessagesRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_requeued_total",
			Help: "Transient failures returned to pending",
		},
		[]string{"error_code"},
	)

	StaleClaimsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_stale_claims_reclaimed_total",
			Help: "Processing rows returned to pending by the lease sweep",
		},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Transport call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	CampaignsFinished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_campaigns_finished_total",
			Help: "Campaigns moved from pending to finished",
		},
	)

	SequenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sequence_transitions_total",
			Help: "Sequence contact state transitions by target state",
		},
		[]string{"to"},
	)

	DeviceWorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_device_workers_active",
			Help: "Device workers running in this process",
		},
	)
)
