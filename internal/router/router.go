package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	domainrouting "github.com/hanax-ai/citadel-orchestrator/internal/domain/routing"
	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/metrics"
	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
	portrouting "github.com/hanax-ai/citadel-orchestrator/internal/port/routing"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
)

// ErrNoEligibleBackend means no registered backend covers the task's
// capability tags (or all covering backends are unreachable). A configuration
// gap, not transient load — the dispatcher fails the task without retrying.
var ErrNoEligibleBackend = errors.New("router: no eligible backend")

// BackendPool is the slice of the registry the router needs.
// [ISP] List for candidate selection, TryAcquire for committing the decision.
type BackendPool interface {
	List(capabilityTag string) []domainbackend.Descriptor
	TryAcquire(id string, critical bool) (overflow bool, err error)
}

// LoadScorer reports a backend's blended load in [0,1].
type LoadScorer interface {
	LoadScore(backendID string) float64
}

type Router struct {
	pool   BackendPool
	scorer LoadScorer
	cache  portcache.Cache
	cfg    *config.Store
}

var _ portrouting.Router = (*Router)(nil)

func New(pool BackendPool, scorer LoadScorer, cache portcache.Cache, cfg *config.Store) *Router {
	return &Router{pool: pool, scorer: scorer, cache: cache, cfg: cfg}
}

// Route picks a backend for the task and commits the in-flight slot in the
// same step, so two tasks can never both take the last free slot. The
// decision computation itself is CPU-only: the single I/O touch is the cache
// lookup, and a cache failure silently becomes a miss.
func (r *Router) Route(ctx context.Context, t domaintask.Task) (domainrouting.Decision, error) {
	cfg := r.cfg.Snapshot()

	// 1. Cache short-circuit, when policy allows caching for these tags.
	if ttl := cfg.Cache.TTLFor(t.CapabilityTags); ttl > 0 {
		entry, err := r.cache.Get(ctx, t.PayloadFingerprint)
		switch {
		case err == nil:
			metrics.CacheHits.Inc()
			metrics.TasksRouted.WithLabelValues("", string(domainrouting.ReasonCacheHit)).Inc()
			return domainrouting.Decision{
				TaskID:       t.ID,
				Reason:       domainrouting.ReasonCacheHit,
				DecidedAt:    time.Now().UTC(),
				CachedResult: entry.Result,
			}, nil
		case errors.Is(err, portcache.ErrMiss):
			metrics.CacheMisses.Inc()
		default:
			// Backing-store trouble degrades to a miss, never to an error.
			slog.Warn("router: cache lookup failed, treating as miss", "task_id", t.ID, "error", err)
			metrics.CacheMisses.Inc()
		}
	}

	// 2. Capability superset + reachability filter.
	candidates := r.eligible(t.CapabilityTags)
	if len(candidates) == 0 {
		return domainrouting.Decision{}, ErrNoEligibleBackend
	}

	critical := t.Priority == domaintask.PriorityCritical

	// 3-5. Rank by weighted score; saturated backends drop out for normal
	// priorities via TryAcquire failing, and critical tasks may claim a
	// bounded overflow slot on the least-loaded backend.
	ranked := r.rank(candidates, t.CapabilityTags, cfg.Routing)

	for _, c := range ranked {
		overflow, err := r.pool.TryAcquire(c.desc.ID, critical)
		if err != nil {
			continue // lost the slot race or saturated — next candidate
		}
		reason := domainrouting.ReasonCapabilityMatch
		if len(ranked) > 1 {
			reason = domainrouting.ReasonLoadBalanced
		}
		if c.desc.Health == domainbackend.HealthDegraded {
			reason = domainrouting.ReasonFallback
		}
		metrics.TasksRouted.WithLabelValues(c.desc.ID, string(reason)).Inc()
		return domainrouting.Decision{
			TaskID:           t.ID,
			ChosenBackendID:  c.desc.ID,
			Reason:           reason,
			DecidedAt:        time.Now().UTC(),
			CriticalOverride: overflow,
		}, nil
	}

	// Everything eligible is saturated. Transient, not a capability gap:
	// the dispatcher re-queues and retries rather than failing the task.
	return domainrouting.Decision{}, registry.ErrSaturated
}

func (r *Router) eligible(required []string) []domainbackend.Descriptor {
	all := r.pool.List("")
	out := make([]domainbackend.Descriptor, 0, len(all))
	for _, d := range all {
		if d.Health == domainbackend.HealthUnreachable {
			continue
		}
		if !d.HasCapabilities(required) {
			continue
		}
		out = append(out, d)
	}
	return out
}

type scored struct {
	desc  domainbackend.Descriptor
	score float64
}

func (r *Router) rank(candidates []domainbackend.Descriptor, required []string, w config.RoutingConfig) []scored {
	ranked := make([]scored, 0, len(candidates))
	for _, d := range candidates {
		s := w.LoadWeight*r.scorer.LoadScore(d.ID) +
			w.HealthWeight*(1-d.Health.Confidence()) +
			w.SpecificityWeight*d.SpecificityPenalty(required)
		ranked = append(ranked, scored{desc: d, score: s})
	}

	// Lower score wins; ties break on fewest in-flight, then on backend id.
	// The id tie-break makes routing reproducible in tests.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		if ranked[i].desc.CurrentInFlight != ranked[j].desc.CurrentInFlight {
			return ranked[i].desc.CurrentInFlight < ranked[j].desc.CurrentInFlight
		}
		return ranked[i].desc.ID < ranked[j].desc.ID
	})
	return ranked
}
