package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging", Name: "messages_sent_total", Help: "Persisted messages by kind",
	}, []string{"kind"})
	NotificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging", Name: "notifications_created_total", Help: "Persisted notifications by type",
	}, []string{"type"})
	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging", Name: "delivery_attempts_total", Help: "Notification delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})
	PushSubscriptionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "messaging", Name: "push_subscriptions_pruned_total", Help: "Push subscriptions removed after the endpoint reported gone",
	})
	SocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "messaging", Name: "socket_connections", Help: "Live websocket connections on this node",
	})

	// Periodic jobs such as the presence refresh.
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging", Subsystem: "job", Name: "runs_total", Help: "Periodic job runs",
	}, []string{"job"})
	JobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging", Subsystem: "job", Name: "errors_total", Help: "Periodic job runs that returned an error",
	}, []string{"job"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "messaging", Subsystem: "job", Name: "duration_seconds", Help: "Periodic job duration",
		Buckets: []float64{.005, .01, .05, .1, .5, 1, 5},
	}, []string{"job"})
	JobLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "messaging", Subsystem: "job", Name: "last_success_timestamp_seconds", Help: "Unix time of the last successful run",
	}, []string{"job"})
)

func init() {
	prometheus.MustRegister(MessagesSent, NotificationsCreated, DeliveryAttempts, PushSubscriptionsPruned, SocketConnections,
		JobRuns, JobErrors, JobDuration, JobLastSuccess)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDelivery(channel string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	DeliveryAttempts.WithLabelValues(channel, outcome).Inc()
}
