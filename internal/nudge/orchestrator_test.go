package nudge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praxishealth/praxis/internal/audit"
	"github.com/praxishealth/praxis/internal/config"
	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/llm"
	"github.com/praxishealth/praxis/internal/memory"
	"github.com/praxishealth/praxis/internal/mvd"
	"github.com/praxishealth/praxis/internal/safety"
	"github.com/praxishealth/praxis/internal/storage"
	"github.com/praxishealth/praxis/internal/suppression"
	"github.com/praxishealth/praxis/internal/testutil"
	"github.com/praxishealth/praxis/internal/vectors"
)

// stubEmbedder returns a constant vector
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

// stubRetriever serves a fixed candidate list regardless of the query,
// except for an optional module whose searches fail.
type stubRetriever struct {
	protocolIDs []string
	failModule  string
}

func (s stubRetriever) Search(_ context.Context, _ []float32, _ uint64, filter map[string]string) ([]vectors.SearchResult, error) {
	if s.failModule != "" && filter["module_id"] == s.failModule {
		return nil, errors.New("qdrant unavailable")
	}

	results := make([]vectors.SearchResult, len(s.protocolIDs))
	for i, id := range s.protocolIDs {
		results[i] = vectors.SearchResult{
			ID:      id,
			Score:   0.9,
			Payload: map[string]interface{}{"protocol_id": id},
		}
	}
	return results, nil
}

type fixture struct {
	orchestrator *Orchestrator
	users        *storage.UserStore
	enrollments  *storage.EnrollmentStore
	protocols    *storage.ProtocolStore
	nudges       *storage.NudgeStore
	generator    *llm.MockClient
	sink         *audit.Memory
}

func newFixture(t *testing.T, retriever stubRetriever, response string) *fixture {
	t.Helper()

	db := testutil.TestDB(t)
	cfg := config.DefaultPipeline()

	f := &fixture{
		users:       storage.NewUserStore(db),
		enrollments: storage.NewEnrollmentStore(db),
		protocols:   storage.NewProtocolStore(db),
		nudges:      storage.NewNudgeStore(db),
		generator:   &llm.MockClient{Response: response},
		sink:        &audit.Memory{},
	}

	mvdStore := storage.NewMVDStore(db)
	f.orchestrator = NewOrchestrator(Deps{
		Users:       f.users,
		Enrollments: f.enrollments,
		Protocols:   f.protocols,
		Nudges:      f.nudges,
		Memories:    memory.NewManager(storage.NewMemoryStore(db), memory.Config{}),
		Machine:     mvd.NewMachine(mvdStore, f.sink, mvd.Config{}),
		Embedder:    stubEmbedder{},
		Retriever:   retriever,
		Generator:   f.generator,
		Scanner:     safety.NewKeywordScanner(),
		Sink:        f.sink,
	}, cfg)

	return f
}

func (f *fixture) seedUser(t *testing.T, recovery float64, runAt time.Time) core.UserProfile {
	t.Helper()

	user := testutil.UserFixture()
	sig := testutil.SignalsFixture(user.ID, runAt.Format("2006-01-02"))
	sig.RecoveryScore = recovery
	testutil.SeedUser(t, f.users, user, &sig)

	ctx := testutil.TestContext(t)
	p := core.Protocol{ID: "winddown", Name: "Wind-down", Category: core.CategoryRecovery, DurationMinutes: 15}
	if err := f.protocols.Upsert(ctx, &p); err != nil {
		t.Fatalf("seed protocol: %v", err)
	}
	if err := f.protocols.MapModule(ctx, "sleep", "winddown"); err != nil {
		t.Fatalf("map protocol: %v", err)
	}

	e := testutil.EnrollmentFixture(user.ID, "sleep")
	if err := f.enrollments.Create(ctx, &e); err != nil {
		t.Fatalf("seed enrollment: %v", err)
	}
	return user
}

// midday in UTC, outside the fixture user's quiet hours
func runInstant() time.Time {
	return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
}

func TestRunGeneratesNudge(t *testing.T) {
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}}, "Ten slow breaths before bed tonight.")
	runAt := runInstant()
	user := f.seedUser(t, 70, runAt)
	ctx := testutil.TestContext(t)

	if err := f.orchestrator.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	timeline, err := f.nudges.RangeByUser(ctx, user.ID, runAt.AddDate(0, 0, -1), runAt.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("nudges = %d, want 1", len(timeline))
	}

	n := timeline[0]
	if n.Kind != core.NudgeKindAdaptive || n.Status != core.NudgeStatusPending {
		t.Errorf("nudge = %+v, want pending adaptive", n)
	}
	if n.Body != "Ten slow breaths before bed tonight." {
		t.Errorf("body = %q", n.Body)
	}
	if n.ProtocolID != "winddown" {
		t.Errorf("protocol = %s, want winddown", n.ProtocolID)
	}
	if n.Confidence <= 0 || n.Confidence > 1 {
		t.Errorf("confidence = %v", n.Confidence)
	}
	if n.Why == "" {
		t.Error("missing structured explanation")
	}

	events := f.sink.ByDecision(core.DecisionNudgeGenerated)
	if len(events) != 1 {
		t.Fatalf("generated events = %d, want 1", len(events))
	}
	if events[0].Detail["model"] != "mock" {
		t.Errorf("audit model = %v, want mock", events[0].Detail["model"])
	}
	if events[0].Detail["prompt"] == "" || events[0].Detail["response"] == "" {
		t.Error("audit should carry the prompt and response")
	}

	if len(f.generator.Calls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(f.generator.Calls))
	}
}

func TestRunSuppressesOnLowRecovery(t *testing.T) {
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}}, "unused")
	runAt := runInstant()
	user := f.seedUser(t, 30, runAt)
	ctx := testutil.TestContext(t)

	if err := f.orchestrator.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	timeline, _ := f.nudges.RangeByUser(ctx, user.ID, runAt.AddDate(0, 0, -1), runAt.AddDate(0, 0, 1))
	if len(timeline) != 0 {
		t.Fatalf("nudges = %d, want 0", len(timeline))
	}

	// Recovery 30 sits exactly at the full-MVD entry line, so no MVD
	// activates and nothing exempts the candidate from the guard.
	events := f.sink.ByDecision(core.DecisionNudgeSuppressed)
	if len(events) != 1 {
		t.Fatalf("suppressed events = %d, want 1", len(events))
	}
	if events[0].Detail["rule"] != string(suppression.RuleLowRecovery) {
		t.Errorf("rule = %v, want %s", events[0].Detail["rule"], suppression.RuleLowRecovery)
	}

	if len(f.generator.Calls) != 0 {
		t.Errorf("llm called %d times for a suppressed nudge", len(f.generator.Calls))
	}
}

func TestRunFallsBackOnUnsafeText(t *testing.T) {
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}}, "Push through pain and skip your medication tonight.")
	runAt := runInstant()
	user := f.seedUser(t, 70, runAt)
	ctx := testutil.TestContext(t)

	if err := f.orchestrator.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	timeline, _ := f.nudges.RangeByUser(ctx, user.ID, runAt.AddDate(0, 0, -1), runAt.AddDate(0, 0, 1))
	if len(timeline) != 1 {
		t.Fatalf("nudges = %d, want 1", len(timeline))
	}

	n := timeline[0]
	if !n.SafetyFlagged {
		t.Error("nudge should be flagged")
	}
	if n.Body == f.generator.Response {
		t.Error("flagged text must be replaced by the fallback")
	}

	if events := f.sink.ByDecision(core.DecisionNudgeSafetyFlagged); len(events) != 1 {
		t.Errorf("flagged events = %d, want 1", len(events))
	}
	if events := f.sink.ByDecision(core.DecisionNudgeGenerated); len(events) != 0 {
		t.Errorf("generated events = %d, want 0", len(events))
	}
}

func TestRunSkipsFailingUserAndContinues(t *testing.T) {
	// Retrieval fails for the focus module only; that user is skipped and
	// the rest of the batch still completes.
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}, failModule: "focus"}, "Ten slow breaths before bed tonight.")
	runAt := runInstant()
	user := f.seedUser(t, 70, runAt)
	ctx := testutil.TestContext(t)

	broken := testutil.UserFixture()
	sig := testutil.SignalsFixture(broken.ID, runAt.Format("2006-01-02"))
	testutil.SeedUser(t, f.users, broken, &sig)
	e := testutil.EnrollmentFixture(broken.ID, "focus")
	if err := f.enrollments.Create(ctx, &e); err != nil {
		t.Fatalf("seed broken enrollment: %v", err)
	}

	if err := f.orchestrator.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	timeline, _ := f.nudges.RangeByUser(ctx, user.ID, runAt.AddDate(0, 0, -1), runAt.AddDate(0, 0, 1))
	if len(timeline) != 1 {
		t.Errorf("healthy user nudges = %d, want 1", len(timeline))
	}

	skipped := f.sink.ByDecision(core.DecisionUserSkipped)
	if len(skipped) != 1 || skipped[0].UserID != broken.ID {
		t.Errorf("skipped events = %+v, want one for the failing user", skipped)
	}
}

func TestRunWithZeroValueConfig(t *testing.T) {
	// A zero worker limit would park every g.Go forever; the constructor
	// must substitute a sane bound.
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}}, "Ten slow breaths before bed tonight.")
	runAt := runInstant()
	user := f.seedUser(t, 70, runAt)
	ctx := testutil.TestContext(t)

	bare := NewOrchestrator(Deps{
		Users:       f.users,
		Enrollments: f.enrollments,
		Protocols:   f.protocols,
		Nudges:      f.nudges,
		Memories:    memory.NewManager(storage.NewMemoryStore(testutil.TestDB(t)), memory.Config{}),
		Machine:     mvd.NewMachine(storage.NewMVDStore(testutil.TestDB(t)), f.sink, mvd.Config{}),
		Embedder:    stubEmbedder{},
		Retriever:   stubRetriever{protocolIDs: []string{"winddown"}},
		Generator:   f.generator,
		Scanner:     safety.NewKeywordScanner(),
		Sink:        f.sink,
	}, config.PipelineConfig{})

	if err := bare.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	timeline, _ := f.nudges.RangeByUser(ctx, user.ID, runAt.AddDate(0, 0, -1), runAt.AddDate(0, 0, 1))
	if len(timeline) != 1 {
		t.Errorf("nudges = %d, want 1", len(timeline))
	}
}

func TestRunWithoutEnrollmentsIsQuiet(t *testing.T) {
	f := newFixture(t, stubRetriever{protocolIDs: []string{"winddown"}}, "unused")
	runAt := runInstant()

	user := testutil.UserFixture()
	testutil.SeedUser(t, f.users, user, nil)

	ctx := testutil.TestContext(t)
	if err := f.orchestrator.Run(ctx, "manual", runAt); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(f.sink.Entries) != 0 {
		t.Errorf("audit entries = %d, want 0", len(f.sink.Entries))
	}
	if len(f.generator.Calls) != 0 {
		t.Errorf("llm calls = %d, want 0", len(f.generator.Calls))
	}
}
