// Package lifecycle owns experiment state transitions: conversions and
// the real-time graduation check, anomaly pausing, and backlog rotation.
//
// The controller is the only actor that moves an experiment out of
// running; the allocator only reads. Transitions are compare-and-set at
// the storage layer, so a redundant graduation check (two conversions
// racing) resolves to exactly one decision.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/metrics"
	"github.com/siteloop/optimizer/internal/randvar"
	"github.com/siteloop/optimizer/internal/stats"
	"github.com/siteloop/optimizer/internal/store"
)

// Publisher swaps the live artifact when an experiment is decided. It
// is an external collaborator; the engine never touches deployment
// mechanics itself.
type Publisher interface {
	// Publish makes the given content ref the site's live artifact.
	Publish(ctx context.Context, siteID, contentRef string) error

	// Revert restores the control artifact.
	Revert(ctx context.Context, siteID string) error

	// CurrentRef returns the content ref currently live for the site,
	// used as the control arm of the next experiment.
	CurrentRef(ctx context.Context, siteID string) (string, error)
}

// HypothesisGenerator produces experiment ideas and their treatment
// artifacts. Both calls are best-effort: failures shrink the backlog or
// postpone a rotation, they never block a graduation decision.
type HypothesisGenerator interface {
	// Next proposes a fresh hypothesis for the site.
	Next(ctx context.Context, siteID string) (*api.Hypothesis, error)

	// Render builds the treatment artifact for a hypothesis and
	// returns its content ref.
	Render(ctx context.Context, siteID string, h api.Hypothesis) (string, error)
}

// minAnomalyVisitors is the per-variant floor below which a realized
// rate is too noisy to compare against the baseline.
const minAnomalyVisitors = 30

// Controller drives the experiment lifecycle for all sites.
type Controller struct {
	store     store.Store
	src       randvar.Source
	params    api.EngineParams
	publisher Publisher
	generator HypothesisGenerator
	metrics   *metrics.Metrics
}

// New creates a lifecycle controller. src must be safe for concurrent
// use when conversions arrive from concurrent handlers.
func New(st store.Store, src randvar.Source, params api.EngineParams, pub Publisher, gen HypothesisGenerator, m *metrics.Metrics) *Controller {
	return &Controller{store: st, src: src, params: params, publisher: pub, generator: gen, metrics: m}
}

// RecordConversion appends an order event, bumps the variant's
// conversion counters, and then runs the auto-graduation check.
//
// The conversion write is the contract: it succeeds or fails on its
// own. A failing graduation evaluation is logged and reported as a
// non-decision, never as a conversion failure.
func (c *Controller) RecordConversion(ctx context.Context, siteID, variantID string, amount float64) (*api.GraduationOutcome, error) {
	v, err := c.store.GetVariant(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("variant lookup failed: %w", err)
	}
	if v == nil {
		return nil, api.ErrExperimentNotFound
	}

	data, _ := json.Marshal(map[string]float64{"amount": amount})
	if err := c.store.AppendEvent(ctx, &api.AnalyticsEvent{
		SiteID:    siteID,
		SessionID: "",
		VariantID: variantID,
		EventType: api.EventOrder,
		EventData: data,
	}); err != nil {
		return nil, fmt.Errorf("order event append failed: %w", err)
	}

	if err := c.store.AddConversion(ctx, variantID, amount); err != nil {
		return nil, fmt.Errorf("conversion update failed: %w", err)
	}

	if c.metrics != nil {
		c.metrics.ConversionsTotal.Inc()
		c.metrics.ConversionsBySite.WithLabelValues(siteID).Inc()
		c.metrics.RevenueBySite.WithLabelValues(siteID).Add(amount)
	}

	outcome, err := c.CheckAutoGraduate(ctx, siteID)
	if errors.Is(err, api.ErrInsufficientData) {
		return outcome, nil
	}
	if err != nil {
		log.Printf("graduation check failed for site %s: %v", siteID, err)
		return &api.GraduationOutcome{}, nil
	}
	return outcome, nil
}

// CheckAutoGraduate evaluates the running experiment and decides it
// when one arm's probability of being best reaches the graduation
// threshold. Below MinSamples per variant it returns ErrInsufficientData
// with an empty outcome; that signal is benign.
func (c *Controller) CheckAutoGraduate(ctx context.Context, siteID string) (*api.GraduationOutcome, error) {
	exp, err := c.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("running experiment lookup failed: %w", err)
	}
	if exp == nil {
		return nil, api.ErrNoActiveExperiment
	}

	control, treatment, err := c.arms(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	if control.Visitors < c.params.MinSamples || treatment.Visitors < c.params.MinSamples {
		return &api.GraduationOutcome{}, api.ErrInsufficientData
	}

	probs := stats.ProbabilityBest(c.src, []stats.VariantCounts{
		{Visitors: control.Visitors, Conversions: control.Conversions},
		{Visitors: treatment.Visitors, Conversions: treatment.Conversions},
	}, c.params.DecisionTrials)

	outcome := &api.GraduationOutcome{ProbControl: probs[0], ProbTreatment: probs[1]}

	switch {
	case probs[1] >= c.params.GraduationThreshold:
		return c.graduate(ctx, exp, control, treatment, outcome)
	case probs[0] >= c.params.GraduationThreshold:
		return c.revert(ctx, exp, control, treatment, outcome)
	default:
		return outcome, nil
	}
}

// arms returns the experiment's control and treatment variants.
func (c *Controller) arms(ctx context.Context, experimentID string) (control, treatment *api.Variant, err error) {
	variants, err := c.store.Variants(ctx, experimentID)
	if err != nil {
		return nil, nil, fmt.Errorf("variants lookup failed: %w", err)
	}
	if len(variants) != 2 {
		return nil, nil, fmt.Errorf("experiment %s has %d variants, want 2", experimentID, len(variants))
	}
	// Store contract: control first.
	return &variants[0], &variants[1], nil
}

func (c *Controller) graduate(ctx context.Context, exp *api.Experiment, control, treatment *api.Variant, outcome *api.GraduationOutcome) (*api.GraduationOutcome, error) {
	ok, err := c.store.TransitionExperiment(ctx, exp.ID, api.StatusRunning, api.StatusGraduated)
	if err != nil {
		return nil, fmt.Errorf("graduation transition failed: %w", err)
	}
	if !ok {
		// A concurrent check already decided; report no action.
		return outcome, nil
	}

	outcome.Graduated = true
	outcome.WinnerID = treatment.ID
	log.Printf("experiment %s graduated for site %s: treatment %.1f%% likely best (%.4f vs %.4f)",
		exp.ID, exp.SiteID, outcome.ProbTreatment*100, treatment.Rate(), control.Rate())

	if c.metrics != nil {
		c.metrics.Graduations.Inc()
	}

	// The decision stands even when the swap fails; the caller must
	// retry the publish until it sticks.
	if err := c.publisher.Publish(ctx, exp.SiteID, treatment.ContentRef); err != nil {
		outcome.PublishErr = err.Error()
		log.Printf("publish failed for site %s after graduation: %v", exp.SiteID, err)
	}

	c.appendLearning(ctx, exp, "graduated", outcome.ProbTreatment, control, treatment)
	c.rollForward(ctx, exp.SiteID)
	return outcome, nil
}

func (c *Controller) revert(ctx context.Context, exp *api.Experiment, control, treatment *api.Variant, outcome *api.GraduationOutcome) (*api.GraduationOutcome, error) {
	ok, err := c.store.TransitionExperiment(ctx, exp.ID, api.StatusRunning, api.StatusReverted)
	if err != nil {
		return nil, fmt.Errorf("revert transition failed: %w", err)
	}
	if !ok {
		return outcome, nil
	}

	outcome.Reverted = true
	outcome.WinnerID = control.ID
	log.Printf("experiment %s reverted for site %s: control %.1f%% likely best",
		exp.ID, exp.SiteID, outcome.ProbControl*100)

	if c.metrics != nil {
		c.metrics.Reversions.Inc()
	}

	if err := c.publisher.Revert(ctx, exp.SiteID); err != nil {
		outcome.PublishErr = err.Error()
		log.Printf("revert publish failed for site %s: %v", exp.SiteID, err)
	}

	c.appendLearning(ctx, exp, "reverted", outcome.ProbControl, control, treatment)
	c.rollForward(ctx, exp.SiteID)
	return outcome, nil
}

// rollForward starts the next backlog experiment immediately after a
// decision, so an enabled site never idles between experiments.
func (c *Controller) rollForward(ctx context.Context, siteID string) {
	state, err := c.store.OptimizerState(ctx, siteID)
	if err != nil {
		log.Printf("optimizer state lookup failed for site %s: %v", siteID, err)
		return
	}
	if !state.Enabled {
		return
	}
	if _, err := c.RotateBacklog(ctx, siteID); err != nil {
		log.Printf("backlog rotation failed for site %s: %v", siteID, err)
	}
}

func (c *Controller) appendLearning(ctx context.Context, exp *api.Experiment, result string, probability float64, control, treatment *api.Variant) {
	l := api.Learning{
		Hypothesis:    exp.Hypothesis,
		ChangeType:    exp.ChangeType,
		Result:        result,
		Probability:   probability,
		ControlRate:   control.Rate(),
		TreatmentRate: treatment.Rate(),
		RecordedAt:    time.Now().UTC(),
	}
	if err := c.store.AppendLearning(ctx, exp.SiteID, l); err != nil {
		log.Printf("learning append failed for site %s: %v", exp.SiteID, err)
	}
}

// DetectAnomaly compares each arm's realized conversion rate against
// the site's rolling baseline and pauses the running experiment when a
// rate deviates by more than AnomalySigma standard deviations in either
// direction. Returns true when the experiment was paused.
func (c *Controller) DetectAnomaly(ctx context.Context, siteID string) (bool, error) {
	exp, err := c.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("running experiment lookup failed: %w", err)
	}
	if exp == nil {
		return false, nil
	}

	deviating, z, err := c.anomalous(ctx, exp)
	if err != nil {
		return false, err
	}
	if !deviating {
		return false, nil
	}

	ok, err := c.store.TransitionExperiment(ctx, exp.ID, api.StatusRunning, api.StatusPaused)
	if err != nil {
		return false, fmt.Errorf("pause transition failed: %w", err)
	}
	if ok {
		log.Printf("experiment %s paused for site %s: conversion rate %.1f sigma off baseline", exp.ID, siteID, z)
		if c.metrics != nil {
			c.metrics.AnomalyPauses.Inc()
		}
	}
	return ok, nil
}

// ResumeIfCleared re-evaluates a paused experiment and resumes it when
// its rates are back within the anomaly band.
func (c *Controller) ResumeIfCleared(ctx context.Context, siteID string) (bool, error) {
	exp, err := c.store.PausedExperiment(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("paused experiment lookup failed: %w", err)
	}
	if exp == nil {
		return false, nil
	}

	deviating, _, err := c.anomalous(ctx, exp)
	if err != nil {
		return false, err
	}
	if deviating {
		return false, nil
	}

	ok, err := c.store.TransitionExperiment(ctx, exp.ID, api.StatusPaused, api.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("resume transition failed: %w", err)
	}
	if ok {
		log.Printf("experiment %s resumed for site %s: anomaly cleared", exp.ID, siteID)
		if c.metrics != nil {
			c.metrics.Resumes.Inc()
		}
	}
	return ok, nil
}

// anomalous reports whether any arm of the experiment deviates more
// than AnomalySigma from the site baseline, and the largest |z| seen.
func (c *Controller) anomalous(ctx context.Context, exp *api.Experiment) (bool, float64, error) {
	baseline, err := c.store.BaselineStats(ctx, exp.SiteID, c.params.BaselineWindow)
	if err != nil {
		return false, 0, fmt.Errorf("baseline stats failed: %w", err)
	}
	if baseline.Days == 0 || baseline.StdDev == 0 {
		return false, 0, nil // no baseline to judge against
	}

	variants, err := c.store.Variants(ctx, exp.ID)
	if err != nil {
		return false, 0, fmt.Errorf("variants lookup failed: %w", err)
	}

	worst := 0.0
	for _, v := range variants {
		if v.Visitors < minAnomalyVisitors {
			continue
		}
		z := (v.Rate() - baseline.Mean) / baseline.StdDev
		if math.Abs(z) > math.Abs(worst) {
			worst = z
		}
	}
	return math.Abs(worst) > c.params.AnomalySigma, worst, nil
}

// RotateBacklog pops the highest-priority hypothesis, starts it as a
// running experiment (control carried over from the live artifact,
// treatment rendered from the hypothesis), and refills the backlog
// toward its target size. Refill failures are logged, never fatal.
//
// Returns (nil, nil) when the backlog is empty or an experiment is
// already running.
func (c *Controller) RotateBacklog(ctx context.Context, siteID string) (*api.Experiment, error) {
	running, err := c.store.RunningExperiment(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("running experiment lookup failed: %w", err)
	}
	if running != nil {
		return nil, nil
	}

	state, err := c.store.OptimizerState(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("optimizer state lookup failed: %w", err)
	}
	if len(state.Backlog) == 0 {
		return nil, nil
	}

	// Highest priority first.
	best := 0
	for i, h := range state.Backlog {
		if h.PriorityScore > state.Backlog[best].PriorityScore {
			best = i
		}
	}
	next := state.Backlog[best]

	controlRef, err := c.publisher.CurrentRef(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("current artifact lookup failed: %w", err)
	}

	// Render before popping: a failed render leaves the backlog
	// untouched for the next cycle.
	treatmentRef, err := c.generator.Render(ctx, siteID, next)
	if err != nil {
		return nil, fmt.Errorf("treatment render failed: %w", err)
	}

	remaining := append(append([]api.Hypothesis{}, state.Backlog[:best]...), state.Backlog[best+1:]...)
	if err := c.store.SaveBacklog(ctx, siteID, remaining); err != nil {
		return nil, fmt.Errorf("backlog pop failed: %w", err)
	}

	now := time.Now().UTC()
	exp := &api.Experiment{
		SiteID:        siteID,
		Hypothesis:    next.Text,
		ChangeType:    next.ChangeType,
		Status:        api.StatusRunning,
		PriorityScore: next.PriorityScore,
		StartedAt:     &now,
	}
	control := &api.Variant{IsControl: true, ContentRef: controlRef}
	treatment := &api.Variant{ContentRef: treatmentRef}
	if err := c.store.CreateExperiment(ctx, exp, control, treatment); err != nil {
		return nil, fmt.Errorf("experiment create failed: %w", err)
	}

	log.Printf("experiment %s started for site %s: %q (%s)", exp.ID, siteID, exp.Hypothesis, exp.ChangeType)

	c.refillBacklog(ctx, siteID, remaining)
	return exp, nil
}

// refillBacklog tops the backlog back up toward the target size. A
// failed generation leaves the backlog short until the next cycle.
func (c *Controller) refillBacklog(ctx context.Context, siteID string, backlog []api.Hypothesis) {
	grown := false
	for len(backlog) < c.params.BacklogTarget {
		h, err := c.generator.Next(ctx, siteID)
		if err != nil {
			log.Printf("hypothesis refill failed for site %s: %v", siteID, err)
			if c.metrics != nil {
				c.metrics.RefillFailures.Inc()
			}
			break
		}
		backlog = append(backlog, *h)
		grown = true
	}
	if !grown {
		return
	}
	if err := c.store.SaveBacklog(ctx, siteID, backlog); err != nil {
		log.Printf("backlog refill save failed for site %s: %v", siteID, err)
	}
}
