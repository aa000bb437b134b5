package allocator

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/siteloop/optimizer/internal/api"
	"github.com/siteloop/optimizer/internal/sticky"
	"github.com/siteloop/optimizer/internal/store"
)

func newTestAllocator(t *testing.T, seed int64) (*Allocator, *store.MemoryStore, *sticky.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sk := sticky.NewMemoryStore()
	src := rand.New(rand.NewSource(seed))
	return New(st, sk, src, api.DefaultEngineParams(), nil), st, sk
}

func startExperiment(t *testing.T, st *store.MemoryStore, siteID string) (*api.Experiment, []api.Variant) {
	t.Helper()
	exp := &api.Experiment{
		SiteID:     siteID,
		Hypothesis: "benefit-led headline",
		ChangeType: api.ChangeCopy,
		Status:     api.StatusRunning,
	}
	control := &api.Variant{IsControl: true, ContentRef: "ref-control"}
	treatment := &api.Variant{ContentRef: "ref-treatment"}
	if err := st.CreateExperiment(context.Background(), exp, control, treatment); err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	variants, err := st.Variants(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("Variants failed: %v", err)
	}
	return exp, variants
}

func TestAllocateNoExperiment(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1)

	_, err := a.Allocate(context.Background(), "site-1", "sess-1")
	if !errors.Is(err, api.ErrNoActiveExperiment) {
		t.Errorf("err = %v, want ErrNoActiveExperiment", err)
	}
}

func TestAllocateAssignsAndCounts(t *testing.T) {
	a, st, sk := newTestAllocator(t, 2)
	exp, _ := startExperiment(t, st, "site-1")

	d, err := a.Allocate(context.Background(), "site-1", "sess-1")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !d.SetSticky {
		t.Error("first allocation should instruct the caller to persist the assignment")
	}

	v, _ := st.GetVariant(context.Background(), d.VariantID)
	if v == nil || v.ExperimentID != exp.ID {
		t.Fatalf("decision references variant outside the experiment: %+v", v)
	}
	if v.Visitors != 1 {
		t.Errorf("chosen variant visitors = %d, want 1", v.Visitors)
	}

	bound, _ := sk.Get(context.Background(), "site-1", "sess-1")
	if bound != d.VariantID {
		t.Errorf("sticky binding = %q, want %q", bound, d.VariantID)
	}
}

func TestStickyDeterminism(t *testing.T) {
	a, st, _ := newTestAllocator(t, 3)
	startExperiment(t, st, "site-1")

	first, err := a.Allocate(context.Background(), "site-1", "sess-1")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	for i := 0; i < 1000; i++ {
		d, err := a.Allocate(context.Background(), "site-1", "sess-1")
		if err != nil {
			t.Fatalf("repeat Allocate failed: %v", err)
		}
		if d.VariantID != first.VariantID {
			t.Fatalf("repeat %d returned %q, want sticky %q", i, d.VariantID, first.VariantID)
		}
		if d.SetSticky {
			t.Fatal("repeat visit must not rewrite the sticky assignment")
		}
	}

	v, _ := st.GetVariant(context.Background(), first.VariantID)
	if v.Visitors != 1 {
		t.Errorf("visitors = %d after 1000 sticky hits, want 1", v.Visitors)
	}
}

func TestStaleStickyReassigned(t *testing.T) {
	a, st, _ := newTestAllocator(t, 4)
	old, _ := startExperiment(t, st, "site-1")

	d, err := a.Allocate(context.Background(), "site-1", "sess-1")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	// End the experiment and start a fresh one; the old binding is now
	// stale and must be replaced, not honored.
	if ok, _ := st.TransitionExperiment(context.Background(), old.ID, api.StatusRunning, api.StatusReverted); !ok {
		t.Fatal("transition failed")
	}
	fresh, _ := startExperiment(t, st, "site-1")

	d2, err := a.Allocate(context.Background(), "site-1", "sess-1")
	if err != nil {
		t.Fatalf("Allocate after rotation failed: %v", err)
	}
	if d2.VariantID == d.VariantID {
		t.Error("stale variant honored after experiment ended")
	}
	v, _ := st.GetVariant(context.Background(), d2.VariantID)
	if v.ExperimentID != fresh.ID {
		t.Errorf("reassigned variant belongs to %s, want %s", v.ExperimentID, fresh.ID)
	}
}

func TestConvergentAllocation(t *testing.T) {
	a, st, _ := newTestAllocator(t, 5)
	exp, variants := startExperiment(t, st, "site-1")

	// Control converts at 10%, treatment at 30%. Thompson Sampling
	// should shift traffic decisively toward the treatment arm.
	trueRate := map[string]float64{}
	for _, v := range variants {
		if v.IsControl {
			trueRate[v.ID] = 0.10
		} else {
			trueRate[v.ID] = 0.30
		}
	}

	outcomes := rand.New(rand.NewSource(99))
	for i := 0; i < 5000; i++ {
		sess := "sess-" + strconv.Itoa(i)
		d, err := a.Allocate(context.Background(), "site-1", sess)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if outcomes.Float64() < trueRate[d.VariantID] {
			if err := st.AddConversion(context.Background(), d.VariantID, 1); err != nil {
				t.Fatalf("AddConversion failed: %v", err)
			}
		}
	}

	final, _ := st.Variants(context.Background(), exp.ID)
	var control, treatment api.Variant
	for _, v := range final {
		if v.IsControl {
			control = v
		} else {
			treatment = v
		}
	}

	if treatment.Visitors < 2*control.Visitors {
		t.Errorf("treatment visitors = %d, control = %d; want treatment ahead by a wide margin",
			treatment.Visitors, control.Visitors)
	}
}

// flakyEventStore fails a fixed number of AppendEvent calls before
// recovering, simulating a transient write failure after assignment.
type flakyEventStore struct {
	store.Store
	failures int
}

func (f *flakyEventStore) AppendEvent(ctx context.Context, ev *api.AnalyticsEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("event store unavailable")
	}
	return f.Store.AppendEvent(ctx, ev)
}

func TestRetryAfterPartialFailureDoesNotDoubleCount(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyEventStore{Store: mem, failures: 1}
	sk := sticky.NewMemoryStore()
	src := rand.New(rand.NewSource(6))
	a := New(flaky, sk, src, api.DefaultEngineParams(), nil)
	ctx := context.Background()

	startExperiment(t, mem, "site-1")

	// First attempt increments the visitor, then fails on the event
	// append. The binding is already written at that point.
	if _, err := a.Allocate(ctx, "site-1", "sess-1"); err == nil {
		t.Fatal("Allocate succeeded despite event append failure")
	}

	bound, _ := sk.Get(ctx, "site-1", "sess-1")
	if bound == "" {
		t.Fatal("no sticky binding after partial failure")
	}

	// The retry resolves through the sticky path; the counter must not
	// move a second time.
	d, err := a.Allocate(ctx, "site-1", "sess-1")
	if err != nil {
		t.Fatalf("retry Allocate failed: %v", err)
	}
	if d.VariantID != bound {
		t.Errorf("retry returned %q, want bound variant %q", d.VariantID, bound)
	}

	v, _ := mem.GetVariant(ctx, bound)
	if v.Visitors != 1 {
		t.Errorf("visitors = %d after failed attempt plus retry, want 1", v.Visitors)
	}
}
