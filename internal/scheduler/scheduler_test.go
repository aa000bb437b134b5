package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/cache"
	"github.com/siteloop/optimizer/internal/lifecycle"
	"github.com/siteloop/optimizer/internal/randvar"
	"github.com/siteloop/optimizer/internal/store"
)

type stubPublisher struct {
	ref       string
	published []string
}

func (p *stubPublisher) Publish(ctx context.Context, siteID, contentRef string) error {
	p.published = append(p.published, contentRef)
	p.ref = contentRef
	return nil
}

func (p *stubPublisher) Revert(ctx context.Context, siteID string) error { return nil }

func (p *stubPublisher) CurrentRef(ctx context.Context, siteID string) (string, error) {
	return p.ref, nil
}

type stubGenerator struct{}

func (stubGenerator) Next(ctx context.Context, siteID string) (*api.Hypothesis, error) {
	return nil, errors.New("no generator configured")
}

func (stubGenerator) Render(ctx context.Context, siteID string, h api.Hypothesis) (string, error) {
	return "ref-" + h.Text, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *cache.ConfidenceCache) {
	t.Helper()
	st := store.NewMemoryStore()
	src := randvar.NewSeededSource(3)
	params := api.DefaultEngineParams()
	ctrl := lifecycle.New(st, src, params, &stubPublisher{ref: "ref-live"}, stubGenerator{}, nil)
	conf, err := cache.NewConfidenceCache(16, time.Minute)
	if err != nil {
		t.Fatalf("cache init failed: %v", err)
	}
	return New(st, ctrl, conf, src, params, nil), st, conf
}

func seedRunning(t *testing.T, st store.Store, siteID string, cv, cc, tv, tc int64) *api.Experiment {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	exp := &api.Experiment{
		SiteID:     siteID,
		Hypothesis: "bigger hero image",
		ChangeType: api.ChangeImage,
		Status:     api.StatusRunning,
		StartedAt:  &now,
	}
	control := &api.Variant{IsControl: true, ContentRef: "ref-control"}
	treatment := &api.Variant{ContentRef: "ref-treatment"}
	if err := st.CreateExperiment(ctx, exp, control, treatment); err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	for _, arm := range []struct {
		id     string
		visits int64
		convs  int64
	}{{control.ID, cv, cc}, {treatment.ID, tv, tc}} {
		for i := int64(0); i < arm.visits; i++ {
			st.IncrementVisitors(ctx, arm.id)
		}
		for i := int64(0); i < arm.convs; i++ {
			st.AddConversion(ctx, arm.id, 10)
		}
	}
	return exp
}

func TestRunCycleDisabledSiteIsNoop(t *testing.T) {
	s, st, conf := newTestScheduler(t)
	ctx := context.Background()

	st.SaveBacklog(ctx, "site-1", []api.Hypothesis{
		{Text: "idea", ChangeType: api.ChangeCopy, PriorityScore: 1},
	})

	if err := s.RunCycle(ctx, "site-1"); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	// Nothing started, nothing cached.
	if exp, _ := st.RunningExperiment(ctx, "site-1"); exp != nil {
		t.Errorf("experiment %v started for disabled site", exp)
	}
	if _, ok := conf.Get("site-1"); ok {
		t.Error("confidence cached for disabled site")
	}
}

func TestRunCycleRotatesIdleSite(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	st.SetEnabled(ctx, "site-1", true)
	st.SaveBacklog(ctx, "site-1", []api.Hypothesis{
		{Text: "idea", ChangeType: api.ChangeCopy, PriorityScore: 1},
	})

	if err := s.RunCycle(ctx, "site-1"); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	exp, _ := st.RunningExperiment(ctx, "site-1")
	if exp == nil {
		t.Fatal("idle enabled site did not start a backlog experiment")
	}
	if exp.Hypothesis != "idea" {
		t.Errorf("started %q, want backlog hypothesis", exp.Hypothesis)
	}
}

func TestRunCycleRefreshesConfidence(t *testing.T) {
	s, st, conf := newTestScheduler(t)
	ctx := context.Background()

	st.SetEnabled(ctx, "site-1", true)
	exp := seedRunning(t, st, "site-1", 500, 100, 500, 105)

	if err := s.RunCycle(ctx, "site-1"); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	snap, ok := conf.Get("site-1")
	if !ok {
		t.Fatal("no confidence snapshot after cycle")
	}
	if snap.ExperimentID != exp.ID {
		t.Errorf("snapshot for %s, want %s", snap.ExperimentID, exp.ID)
	}
	if snap.ProbTreatment <= 0 || snap.ProbTreatment >= 1 {
		t.Errorf("prob treatment = %.4f, want in (0, 1)", snap.ProbTreatment)
	}
	if sum := snap.ProbTreatment + snap.ProbControl; sum < 0.999 || sum > 1.001 {
		t.Errorf("probabilities sum to %.4f, want 1", sum)
	}
}

func TestRunCycleNeverGraduates(t *testing.T) {
	s, st, conf := newTestScheduler(t)
	ctx := context.Background()

	// Counts decisive enough that a conversion-triggered check would
	// graduate immediately. The cycle must still leave the experiment
	// running: it only recomputes confidence, it never decides.
	st.SetEnabled(ctx, "site-1", true)
	exp := seedRunning(t, st, "site-1", 120, 18, 130, 39)

	if err := s.RunCycle(ctx, "site-1"); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	got, _ := st.RunningExperiment(ctx, "site-1")
	if got == nil || got.ID != exp.ID {
		t.Fatalf("running experiment = %v, want %s untouched by the cycle", got, exp.ID)
	}

	// The decisiveness shows up in the snapshot instead.
	snap, ok := conf.Get("site-1")
	if !ok {
		t.Fatal("no confidence snapshot after cycle")
	}
	if snap.ProbTreatment < 0.95 {
		t.Errorf("prob treatment = %.4f, want >= 0.95", snap.ProbTreatment)
	}
}

func TestRunCycleSingleFlight(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	st.SetEnabled(ctx, "site-1", true)

	s.mu.Lock()
	s.inFlight["site-1"] = true
	s.mu.Unlock()

	if err := s.RunCycle(ctx, "site-1"); !errors.Is(err, api.ErrConcurrentCycle) {
		t.Errorf("err = %v, want ErrConcurrentCycle", err)
	}

	// Other sites are unaffected.
	if err := s.RunCycle(ctx, "site-2"); err != nil {
		t.Errorf("RunCycle for other site failed: %v", err)
	}

	// The slot frees up once the first cycle finishes.
	s.mu.Lock()
	delete(s.inFlight, "site-1")
	s.mu.Unlock()
	if err := s.RunCycle(ctx, "site-1"); err != nil {
		t.Errorf("RunCycle after release failed: %v", err)
	}
}

func TestTickIsolatesSites(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	ctx := context.Background()

	st.SetEnabled(ctx, "site-a", true)
	st.SetEnabled(ctx, "site-b", true)
	st.SaveBacklog(ctx, "site-b", []api.Hypothesis{
		{Text: "idea b", ChangeType: api.ChangeCopy, PriorityScore: 1},
	})

	// site-a is wedged in flight; site-b must still cycle.
	s.mu.Lock()
	s.inFlight["site-a"] = true
	s.mu.Unlock()

	s.tick(ctx)

	if exp, _ := st.RunningExperiment(ctx, "site-b"); exp == nil {
		t.Error("site-b did not cycle while site-a was in flight")
	}
}
