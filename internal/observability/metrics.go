package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersIssued   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_issued_total", Help: "Offers delivered to candidate drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_accepted_total", Help: "Offers accepted by the addressed driver"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_declined_total", Help: "Offers explicitly declined"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Offers that timed out with no response"})
	ClaimsDenied   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "claims_denied_total", Help: "Claim attempts denied because the driver was held elsewhere"})
	StaleResponses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "stale_responses_total", Help: "Offer responses ignored as stale or mismatched"})

	DispatchSucceeded = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_succeeded_total", Help: "Dispatches ending with an assigned driver"})
	DispatchFailed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_failed_total", Help: "Dispatches exhausting the candidate queue"})
	OfferWaitSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "offer_wait_seconds", Help: "Time from offer issue to resolution", Buckets: prometheus.DefBuckets})

	TrackingSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "tracking_sessions_active", Help: "Currently active tracking sessions"})
	SamplesIngested        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_samples_ingested_total", Help: "Location samples accepted into tracking sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
