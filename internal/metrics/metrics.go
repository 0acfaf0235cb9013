// Package metrics exposes Prometheus collectors for the delivery service.
// The metrics listener is separate from the RPC listener and guarded by an
// admin token; counters carry no per-user labels so the metrics surface
// leaks no routing metadata.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service collectors.
type Metrics struct {
	MessagesAccepted   prometheus.Counter
	CommitsAccepted    prometheus.Counter
	StaleEpochRejects  prometheus.Counter
	EpochConflicts     prometheus.Counter
	EnvelopesPublished prometheus.Counter
	WelcomesServed     prometheus.Counter
	PushFailures       prometheus.Counter
	ActorsLive         prometheus.Gauge
	RateLimited        prometheus.Counter
	Replays            prometheus.Counter
}

// New registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_messages_accepted_total",
			Help: "Application messages sequenced and stored.",
		}),
		CommitsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_commits_accepted_total",
			Help: "Membership commits applied, each advancing an epoch by one.",
		}),
		StaleEpochRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_stale_epoch_rejections_total",
			Help: "Writes rejected because the caller's epoch was behind.",
		}),
		EpochConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_epoch_conflicts_total",
			Help: "Commits that lost a race, typically on key-package consumption.",
		}),
		EnvelopesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_envelopes_published_total",
			Help: "Event-stream envelopes published to the bus.",
		}),
		WelcomesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_welcomes_served_total",
			Help: "Welcome fetches answered within the grace window.",
		}),
		PushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_push_failures_total",
			Help: "Push deliveries that failed after retryable handling.",
		}),
		ActorsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cloakroom_epoch_actors_live",
			Help: "Epoch actors currently resident in the registry.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_rate_limited_total",
			Help: "Requests rejected by the token-bucket rate limiter.",
		}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "cloakroom_token_replays_total",
			Help: "Bearer tokens rejected by the replay cache.",
		}),
	}
}
