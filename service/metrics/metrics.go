package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics. A nil
// *Metrics is valid everywhere and records nothing.
type Metrics struct {
	// Card network API metrics
	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	apiRetriesTotal    *prometheus.CounterVec
	apiErrorsTotal     *prometheus.CounterVec

	// Notification polling metrics
	pollAttemptsTotal       *prometheus.CounterVec
	pollDuration            *prometheus.HistogramVec
	notificationsFetched    *prometheus.CounterVec
	notificationsMerged     *prometheus.CounterVec
	notificationsDuplicates *prometheus.CounterVec

	// Record store metrics
	storeOperationsTotal *prometheus.CounterVec
	storeOperationErrors *prometheus.CounterVec

	// NATS metrics
	natsEventsPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		apiRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardnet_api_requests_total",
				Help: "Total number of card network API requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		apiRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardnet_api_request_duration_seconds",
				Help:    "Duration of card network API requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "path"},
		),
		apiRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardnet_api_retries_total",
				Help: "Total number of card network API retry attempts by reason",
			},
			[]string{"method", "reason"},
		),
		apiErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardnet_api_errors_total",
				Help: "Total number of card network API error responses by status",
			},
			[]string{"method", "path", "status"},
		),
		pollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notification_poll_attempts_total",
				Help: "Total number of undelivered-notification poll attempts",
			},
			[]string{"outcome"},
		),
		pollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_poll_duration_seconds",
				Help:    "Duration of a full poll cycle in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"outcome"},
		),
		notificationsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_fetched_total",
				Help: "Total number of notification items fetched from the feed",
			},
			[]string{"source"},
		),
		notificationsMerged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_merged_total",
				Help: "Total number of new notification records merged into the store",
			},
			[]string{"source"},
		),
		notificationsDuplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_duplicates_total",
				Help: "Total number of fetched notifications matched to existing records",
			},
			[]string{"source"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of record store operations by kind and operation",
			},
			[]string{"kind", "op"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operation_errors_total",
				Help: "Total number of failed record store operations by kind and operation",
			},
			[]string{"kind", "op"},
		),
		natsEventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_notification_events_published_total",
				Help: "Total number of notification events published to NATS",
			},
			[]string{"status"},
		),
	}
}

// RecordAPIRequest records an API request with its status and duration.
func (m *Metrics) RecordAPIRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.apiRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.apiRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordAPIRetry records a retry attempt and the reason it was triggered.
func (m *Metrics) RecordAPIRetry(method, reason string) {
	if m == nil {
		return
	}
	m.apiRetriesTotal.WithLabelValues(method, reason).Inc()
}

// RecordAPIError records an error response from the card network.
func (m *Metrics) RecordAPIError(method, path, status string) {
	if m == nil {
		return
	}
	m.apiErrorsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPollAttempt records one poll attempt with its outcome
// ("matched", "collected" or "error").
func (m *Metrics) RecordPollAttempt(outcome string) {
	if m == nil {
		return
	}
	m.pollAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordPollDuration records the duration of a full poll cycle.
func (m *Metrics) RecordPollDuration(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordNotificationsFetched records the number of items returned by a fetch.
func (m *Metrics) RecordNotificationsFetched(source string, count int) {
	if m == nil {
		return
	}
	m.notificationsFetched.WithLabelValues(source).Add(float64(count))
}

// RecordNotificationsMerged records how many records were newly added vs
// matched to existing records during a merge.
func (m *Metrics) RecordNotificationsMerged(source string, added, duplicates int) {
	if m == nil {
		return
	}
	m.notificationsMerged.WithLabelValues(source).Add(float64(added))
	m.notificationsDuplicates.WithLabelValues(source).Add(float64(duplicates))
}

// RecordStoreOperation records a load or save against the record store.
func (m *Metrics) RecordStoreOperation(kind, op string, err error) {
	if m == nil {
		return
	}
	m.storeOperationsTotal.WithLabelValues(kind, op).Inc()
	if err != nil {
		m.storeOperationErrors.WithLabelValues(kind, op).Inc()
	}
}

// RecordNATSPublish records a NATS publish attempt ("success" or "error").
func (m *Metrics) RecordNATSPublish(status string) {
	if m == nil {
		return
	}
	m.natsEventsPublished.WithLabelValues(status).Inc()
}
