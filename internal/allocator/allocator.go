// Package allocator makes the per-visitor decision: which variant of
// the site's running experiment to render.
//
// Allocation is live Thompson Sampling: every fresh decision draws one
// posterior sample per variant from the latest counters, so assignment
// quality improves as data accumulates within an experiment.
package allocator

import (
	"context"
	"fmt"

	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/metrics"
	"github.com/siteloop/optimizer/internal/randvar"
	"github.com/siteloop/optimizer/internal/stats"
	"github.com/siteloop/optimizer/internal/sticky"
	"github.com/siteloop/optimizer/internal/store"
)

// Allocator decides variant assignment for visitor requests. It reads
// experiment state but never transitions it; that is the lifecycle
// controller's job.
type Allocator struct {
	store   store.Store
	sticky  sticky.Store
	src     randvar.Source
	params  api.EngineParams
	metrics *metrics.Metrics
}

// New creates an allocator. src must be safe for concurrent use
// (wrap with randvar.NewLockedSource when sharing across handlers).
func New(st store.Store, sk sticky.Store, src randvar.Source, params api.EngineParams, m *metrics.Metrics) *Allocator {
	return &Allocator{store: st, sticky: sk, src: src, params: params, metrics: m}
}

// Allocate returns the variant the session should see.
//
// A valid sticky assignment (one that still resolves to a variant of
// the site's current running experiment) is returned unchanged with no
// counter increment: the visitor counter moves at most once per unique
// session, at first assignment. The binding is written before the
// counter, so a failure in between surfaces as an error whose retry
// resolves through the sticky path without counting again. Without a
// running experiment it returns api.ErrNoActiveExperiment and the
// caller serves control content.
func (a *Allocator) Allocate(ctx context.Context, siteID, sessionID string) (*api.Decision, error) {
	exp, err := a.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("running experiment lookup failed: %w", err)
	}
	if exp == nil {
		if a.metrics != nil {
			a.metrics.NoExperiment.Inc()
		}
		return nil, api.ErrNoActiveExperiment
	}

	// Sticky check before any sampling or counting.
	boundID, err := a.sticky.Get(ctx, siteID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sticky lookup failed: %w", err)
	}
	stale := false
	if boundID != "" {
		v, err := a.store.GetVariant(ctx, boundID)
		if err != nil {
			return nil, fmt.Errorf("sticky variant lookup failed: %w", err)
		}
		if v != nil && v.ExperimentID == exp.ID {
			if a.metrics != nil {
				a.metrics.StickyHits.Inc()
			}
			return &api.Decision{VariantID: v.ID, IsControl: v.IsControl}, nil
		}
		// Stale binding from a finished experiment: fall through and
		// reassign against the current one.
		stale = true
	}

	variants, err := a.store.Variants(ctx, exp.ID)
	if err != nil {
		return nil, fmt.Errorf("variants lookup failed: %w", err)
	}
	if len(variants) < 2 {
		return nil, fmt.Errorf("experiment %s has %d variants, want 2", exp.ID, len(variants))
	}

	// One posterior draw per variant; the higher sample wins. Ties are
	// broken by order, which is arbitrary enough.
	chosen := &variants[0]
	maxSample := -1.0
	for i := range variants {
		sample := stats.PosteriorSample(a.src, stats.VariantCounts{
			Visitors:    variants[i].Visitors,
			Conversions: variants[i].Conversions,
		})
		if sample > maxSample {
			maxSample = sample
			chosen = &variants[i]
		}
	}

	// Bind before counting. If anything past this point fails, a retry
	// resolves through the sticky path and returns the assignment
	// without incrementing again, so one session can never inflate the
	// visitor counter.
	if stale {
		err = a.sticky.Rebind(ctx, siteID, sessionID, chosen.ID, a.params.StickyTTL)
	} else {
		err = a.sticky.Set(ctx, siteID, sessionID, chosen.ID, a.params.StickyTTL)
	}
	if err != nil {
		return nil, fmt.Errorf("sticky write failed: %w", err)
	}

	// First write wins: a concurrent request for the same session may
	// have bound another variant between our lookup and Set. Honor the
	// winning binding and count nothing here.
	bound, err := a.sticky.Get(ctx, siteID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sticky readback failed: %w", err)
	}
	if bound != chosen.ID {
		winner, err := a.store.GetVariant(ctx, bound)
		if err != nil {
			return nil, fmt.Errorf("sticky variant lookup failed: %w", err)
		}
		if winner != nil {
			if a.metrics != nil {
				a.metrics.StickyHits.Inc()
			}
			return &api.Decision{VariantID: winner.ID, IsControl: winner.IsControl}, nil
		}
	}

	if err := a.store.IncrementVisitors(ctx, chosen.ID); err != nil {
		return nil, fmt.Errorf("visitor increment failed: %w", err)
	}

	if err := a.store.AppendEvent(ctx, &api.AnalyticsEvent{
		SiteID:    siteID,
		SessionID: sessionID,
		VariantID: chosen.ID,
		EventType: api.EventPageview,
	}); err != nil {
		return nil, fmt.Errorf("pageview append failed: %w", err)
	}

	if a.metrics != nil {
		a.metrics.AllocationsTotal.Inc()
		a.metrics.AllocationsBySite.WithLabelValues(siteID).Inc()
	}

	return &api.Decision{VariantID: chosen.ID, IsControl: chosen.IsControl, SetSticky: true}, nil
}
