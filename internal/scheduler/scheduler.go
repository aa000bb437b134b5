// Package scheduler runs the periodic optimization cycle: resume or
// pause experiments per anomaly state, rotate the backlog when the site
// is idle, and refresh the cached confidence numbers served by status
// queries. The cycle never decides an experiment; graduation happens
// only on the real-time conversion path.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/cache"
	"github.com/siteloop/optimizer/internal/lifecycle"
	"github.com/siteloop/optimizer/internal/metrics"
	"github.com/siteloop/optimizer/internal/randvar"
	"github.com/siteloop/optimizer/internal/stats"
	"github.com/siteloop/optimizer/internal/store"
)

// Scheduler drives optimization cycles. One cycle per site runs at a
// time; overlapping triggers are dropped, not queued.
type Scheduler struct {
	store      store.Store
	controller *lifecycle.Controller
	confidence *cache.ConfidenceCache
	src        randvar.Source
	params     api.EngineParams
	metrics    *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a scheduler.
func New(st store.Store, ctrl *lifecycle.Controller, conf *cache.ConfidenceCache, src randvar.Source, params api.EngineParams, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:      st,
		controller: ctrl,
		confidence: conf,
		src:        src,
		params:     params,
		metrics:    m,
		inFlight:   make(map[string]bool),
	}
}

// RunCycle executes one optimization cycle for a site. It returns
// api.ErrConcurrentCycle when a cycle for the site is already in
// flight. A disabled site is a no-op.
func (s *Scheduler) RunCycle(ctx context.Context, siteID string) error {
	s.mu.Lock()
	if s.inFlight[siteID] {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.CyclesDropped.Inc()
		}
		return api.ErrConcurrentCycle
	}
	s.inFlight[siteID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, siteID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.params.CycleTimeout)
	defer cancel()

	err := s.cycle(ctx, siteID)
	if s.metrics != nil {
		s.metrics.CyclesRun.Inc()
		if err != nil {
			s.metrics.CycleErrors.Inc()
		}
	}
	return err
}

func (s *Scheduler) cycle(ctx context.Context, siteID string) error {
	state, err := s.store.OptimizerState(ctx, siteID)
	if err != nil {
		return err
	}
	if !state.Enabled {
		return nil
	}

	// Paused experiments get a chance to come back first, so the rest
	// of the cycle sees them as running.
	if _, err := s.controller.ResumeIfCleared(ctx, siteID); err != nil {
		return err
	}

	paused, err := s.controller.DetectAnomaly(ctx, siteID)
	if err != nil {
		return err
	}
	if paused {
		s.confidence.Invalidate(siteID)
		return nil
	}

	// Graduation belongs to the conversion path alone; the cycle only
	// rotates idle sites and recomputes confidence for observability.
	exp, err := s.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return err
	}
	if exp == nil {
		if _, err := s.controller.RotateBacklog(ctx, siteID); err != nil {
			return err
		}
	}

	return s.refreshConfidence(ctx, siteID)
}

// refreshConfidence recomputes the probability-best numbers for the
// running experiment and publishes them to the cache and gauge.
func (s *Scheduler) refreshConfidence(ctx context.Context, siteID string) error {
	exp, err := s.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return err
	}
	if exp == nil {
		s.confidence.Invalidate(siteID)
		return nil
	}

	variants, err := s.store.Variants(ctx, exp.ID)
	if err != nil {
		return err
	}
	if len(variants) < 2 {
		return nil
	}

	probs := stats.ProbabilityBest(s.src, []stats.VariantCounts{
		{Visitors: variants[0].Visitors, Conversions: variants[0].Conversions},
		{Visitors: variants[1].Visitors, Conversions: variants[1].Conversions},
	}, s.params.DecisionTrials)

	s.confidence.Put(siteID, api.ConfidenceSnapshot{
		ExperimentID:  exp.ID,
		ProbControl:   probs[0],
		ProbTreatment: probs[1],
		ComputedAt:    time.Now().UTC(),
	})
	if s.metrics != nil {
		s.metrics.ConfidenceBySite.WithLabelValues(siteID).Set(probs[1])
	}
	return nil
}

// Run ticks at the given interval until ctx is cancelled, cycling every
// enabled site. Per-site failures are logged and isolated; one broken
// site never stalls the others.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	sites, err := s.store.EnabledSites(ctx)
	if err != nil {
		log.Printf("enabled sites lookup failed: %v", err)
		return
	}
	for _, siteID := range sites {
		if err := s.RunCycle(ctx, siteID); err != nil && !errors.Is(err, api.ErrConcurrentCycle) {
			log.Printf("cycle failed for site %s: %v", siteID, err)
		}
	}
}
