package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("coedit.app")

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_mutations_total",
		Help: "Submitted mutations by type and result",
	}, []string{"type", "result"})

	mutationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coedit_mutation_duration_seconds",
		Help:    "Time from submit to applied or rejected",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"type"})

	remoteUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_remote_updates_total",
		Help: "Remote update blobs received, by result",
	}, []string{"result"})

	notificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_session_notifications_total",
		Help: "Notifications delivered to session feeds, by status",
	}, []string{"status"})

	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_open_sessions",
		Help: "Documents with an open session",
	})
)
