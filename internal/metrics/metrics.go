package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_http_requests_total",
			Help: "HTTP requests handled, by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nutrition_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// result: created, slot_taken, rejected, store_error, inconsistent
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_bookings_total",
			Help: "Booking attempts by outcome",
		},
		[]string{"result"},
	)

	StatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_status_changes_total",
			Help: "Appointment status changes by target status",
		},
		[]string{"status"},
	)

	SlotReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nutrition_slot_releases_total",
			Help: "Slot locks released by cancellations and reconciliation",
		},
	)

	LedgerInconsistenciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nutrition_ledger_inconsistencies_total",
			Help: "Ledger writes that landed on some copies but not all",
		},
	)

	// kind: index, lock
	LedgerRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_ledger_repairs_total",
			Help: "Entries fixed by the reconcile worker",
		},
		[]string{"kind"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrition_notifications_total",
			Help: "Booking confirmation deliveries by status",
		},
		[]string{"status"},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nutrition_active_subscriptions",
			Help: "Open appointment change streams",
		},
	)
)
