package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/siteloop/optimizer/internal/api"
)

func newRunningExperiment(t *testing.T, s *MemoryStore, siteID string) (*api.Experiment, []api.Variant) {
	t.Helper()

	exp := &api.Experiment{
		SiteID:     siteID,
		Hypothesis: "larger call-to-action",
		ChangeType: api.ChangeLayout,
		Status:     api.StatusRunning,
	}
	control := &api.Variant{IsControl: true, ContentRef: "pages/control.html"}
	treatment := &api.Variant{ContentRef: "pages/treatment.html"}

	if err := s.CreateExperiment(context.Background(), exp, control, treatment); err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}

	variants, err := s.Variants(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("Variants failed: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}
	if !variants[0].IsControl {
		t.Fatal("control must be first")
	}
	return exp, variants
}

func TestRunningExperimentLookup(t *testing.T) {
	s := NewMemoryStore()
	exp, _ := newRunningExperiment(t, s, "site-1")

	got, err := s.RunningExperiment(context.Background(), "site-1")
	if err != nil {
		t.Fatalf("RunningExperiment failed: %v", err)
	}
	if got == nil || got.ID != exp.ID {
		t.Fatalf("got %+v, want experiment %s", got, exp.ID)
	}

	none, err := s.RunningExperiment(context.Background(), "other-site")
	if err != nil {
		t.Fatalf("RunningExperiment failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for site without experiment, got %+v", none)
	}
}

func TestConcurrentVisitorIncrements(t *testing.T) {
	s := NewMemoryStore()
	_, variants := newRunningExperiment(t, s, "site-1")

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := s.IncrementVisitors(context.Background(), variants[1].ID); err != nil {
					t.Errorf("IncrementVisitors failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	v, err := s.GetVariant(context.Background(), variants[1].ID)
	if err != nil {
		t.Fatalf("GetVariant failed: %v", err)
	}
	if v.Visitors != workers*perWorker {
		t.Errorf("visitors = %d, want %d (no lost updates)", v.Visitors, workers*perWorker)
	}
}

func TestTransitionExperimentCAS(t *testing.T) {
	s := NewMemoryStore()
	exp, _ := newRunningExperiment(t, s, "site-1")

	ok, err := s.TransitionExperiment(context.Background(), exp.ID, api.StatusRunning, api.StatusGraduated)
	if err != nil || !ok {
		t.Fatalf("first transition = (%v, %v), want (true, nil)", ok, err)
	}

	// Redundant graduation check loses the race cleanly.
	ok, err = s.TransitionExperiment(context.Background(), exp.ID, api.StatusRunning, api.StatusReverted)
	if err != nil {
		t.Fatalf("second transition errored: %v", err)
	}
	if ok {
		t.Error("second transition succeeded, want CAS failure")
	}

	got, _ := s.RunningExperiment(context.Background(), "site-1")
	if got != nil {
		t.Error("graduated experiment still reported as running")
	}
}

func TestAddConversionAccumulates(t *testing.T) {
	s := NewMemoryStore()
	_, variants := newRunningExperiment(t, s, "site-1")

	for i := 0; i < 5; i++ {
		if err := s.IncrementVisitors(context.Background(), variants[0].ID); err != nil {
			t.Fatalf("IncrementVisitors failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.AddConversion(context.Background(), variants[0].ID, 19.99); err != nil {
			t.Fatalf("AddConversion failed: %v", err)
		}
	}

	v, _ := s.GetVariant(context.Background(), variants[0].ID)
	if v.Conversions != 3 {
		t.Errorf("conversions = %d, want 3", v.Conversions)
	}
	if v.Revenue < 59.96 || v.Revenue > 59.98 {
		t.Errorf("revenue = %f, want ~59.97", v.Revenue)
	}
}

func TestAddConversionCappedByVisitors(t *testing.T) {
	s := NewMemoryStore()
	_, variants := newRunningExperiment(t, s, "site-1")
	ctx := context.Background()

	// No visitor counted yet: there is nobody to convert.
	err := s.AddConversion(ctx, variants[0].ID, 10)
	if !errors.Is(err, api.ErrConversionWithoutVisitor) {
		t.Fatalf("err = %v, want ErrConversionWithoutVisitor", err)
	}

	if err := s.IncrementVisitors(ctx, variants[0].ID); err != nil {
		t.Fatalf("IncrementVisitors failed: %v", err)
	}
	if err := s.AddConversion(ctx, variants[0].ID, 10); err != nil {
		t.Fatalf("AddConversion failed: %v", err)
	}

	// One visitor, one conversion: a second one would overshoot.
	err = s.AddConversion(ctx, variants[0].ID, 10)
	if !errors.Is(err, api.ErrConversionWithoutVisitor) {
		t.Fatalf("err = %v, want ErrConversionWithoutVisitor", err)
	}

	v, _ := s.GetVariant(ctx, variants[0].ID)
	if v.Conversions != 1 || v.Revenue != 10 {
		t.Errorf("conversions = %d revenue = %f after rejected adds, want 1 and 10", v.Conversions, v.Revenue)
	}
}

func TestBaselineStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Two days at 10% conversion, one at 20%.
	now := time.Now().UTC()
	addDay := func(daysAgo int, pageviews, orders int) {
		at := now.Add(-time.Duration(daysAgo) * 24 * time.Hour)
		for i := 0; i < pageviews; i++ {
			s.AppendEvent(ctx, &api.AnalyticsEvent{SiteID: "site-1", SessionID: "s", EventType: api.EventPageview, OccurredAt: at})
		}
		for i := 0; i < orders; i++ {
			s.AppendEvent(ctx, &api.AnalyticsEvent{SiteID: "site-1", SessionID: "s", EventType: api.EventOrder, OccurredAt: at})
		}
	}
	addDay(1, 100, 10)
	addDay(2, 100, 10)
	addDay(3, 100, 20)

	stats, err := s.BaselineStats(ctx, "site-1", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("BaselineStats failed: %v", err)
	}
	if stats.Days != 3 {
		t.Errorf("days = %d, want 3", stats.Days)
	}

	wantMean := (0.1 + 0.1 + 0.2) / 3
	if stats.Mean < wantMean-0.001 || stats.Mean > wantMean+0.001 {
		t.Errorf("mean = %f, want ~%f", stats.Mean, wantMean)
	}
	if stats.StdDev <= 0 {
		t.Errorf("stddev = %f, want > 0", stats.StdDev)
	}

	// Events outside the window carry no weight.
	stats, err = s.BaselineStats(ctx, "site-1", 36*time.Hour)
	if err != nil {
		t.Fatalf("BaselineStats failed: %v", err)
	}
	if stats.Days != 1 {
		t.Errorf("windowed days = %d, want 1", stats.Days)
	}
}

func TestOptimizerStateDefaultsAndToggle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state, err := s.OptimizerState(ctx, "site-1")
	if err != nil {
		t.Fatalf("OptimizerState failed: %v", err)
	}
	if state.Enabled {
		t.Error("optimizer should default to disabled")
	}
	if len(state.Backlog) != 0 || len(state.Learnings) != 0 {
		t.Error("fresh state should have empty backlog and learnings")
	}

	if err := s.SetEnabled(ctx, "site-1", true); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	state, _ = s.OptimizerState(ctx, "site-1")
	if !state.Enabled {
		t.Error("optimizer should be enabled after toggle")
	}
}

func TestBacklogAndLearnings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	backlog := []api.Hypothesis{
		{Text: "red buy button", ChangeType: api.ChangeColor, PriorityScore: 0.9},
		{Text: "shorter hero copy", ChangeType: api.ChangeCopy, PriorityScore: 0.7},
	}
	if err := s.SaveBacklog(ctx, "site-1", backlog); err != nil {
		t.Fatalf("SaveBacklog failed: %v", err)
	}

	if err := s.AppendLearning(ctx, "site-1", api.Learning{
		Hypothesis: "bigger images", Result: "graduated", Probability: 0.97,
	}); err != nil {
		t.Fatalf("AppendLearning failed: %v", err)
	}

	state, _ := s.OptimizerState(ctx, "site-1")
	if len(state.Backlog) != 2 {
		t.Errorf("backlog size = %d, want 2", len(state.Backlog))
	}
	if len(state.Learnings) != 1 || state.Learnings[0].Result != "graduated" {
		t.Errorf("learnings = %+v, want one graduated entry", state.Learnings)
	}
}

func TestEnabledSites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SetEnabled(ctx, "site-b", true)
	s.SetEnabled(ctx, "site-a", true)
	s.SetEnabled(ctx, "site-c", false)

	sites, err := s.EnabledSites(ctx)
	if err != nil {
		t.Fatalf("EnabledSites failed: %v", err)
	}
	if len(sites) != 2 || sites[0] != "site-a" || sites[1] != "site-b" {
		t.Errorf("sites = %v, want [site-a site-b]", sites)
	}
}
