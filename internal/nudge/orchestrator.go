// Package nudge implements the nightly adaptive-nudge orchestrator: the
// job that decides which users get a coaching nudge, what it says, and
// whether it is withheld.
package nudge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/praxishealth/praxis/internal/audit"
	"github.com/praxishealth/praxis/internal/config"
	"github.com/praxishealth/praxis/internal/core"
	"github.com/praxishealth/praxis/internal/embeddings"
	"github.com/praxishealth/praxis/internal/llm"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/memory"
	"github.com/praxishealth/praxis/internal/mvd"
	"github.com/praxishealth/praxis/internal/safety"
	"github.com/praxishealth/praxis/internal/scoring"
	"github.com/praxishealth/praxis/internal/storage"
	"github.com/praxishealth/praxis/internal/suppression"
	"github.com/praxishealth/praxis/internal/vectors"
)

// systemPrompt is fixed; per-user context arrives in the user prompt.
const systemPrompt = `You are a concise, warm performance coach. Write a single short nudge
(max two sentences) encouraging the user toward the given protocol today.
Ground it in the provided context. Never give medical advice, never
diagnose, never promise outcomes.`

// neutralRecovery is assumed when no wearable data arrived for the day.
// Unknown must not read as depleted.
const neutralRecovery = 60

// Retriever is the vector-search slice the orchestrator needs
type Retriever interface {
	Search(ctx context.Context, vector []float32, topK uint64, filter map[string]string) ([]vectors.SearchResult, error)
}

// Orchestrator composes retrieval, scoring, the MVD machine, suppression,
// generation, safety scanning and persistence into one nightly pass.
type Orchestrator struct {
	users       *storage.UserStore
	enrollments *storage.EnrollmentStore
	protocols   *storage.ProtocolStore
	nudges      *storage.NudgeStore
	memories    *memory.Manager
	machine     *mvd.Machine

	embedder  embeddings.Embedder
	retriever Retriever
	generator llm.Generator
	scanner   safety.Scanner
	fallbacks safety.FallbackProvider
	sink      audit.Sink

	cfg   config.PipelineConfig
	locks *keyedMutex
}

// Deps bundles the orchestrator's collaborators
type Deps struct {
	Users       *storage.UserStore
	Enrollments *storage.EnrollmentStore
	Protocols   *storage.ProtocolStore
	Nudges      *storage.NudgeStore
	Memories    *memory.Manager
	Machine     *mvd.Machine
	Embedder    embeddings.Embedder
	Retriever   Retriever
	Generator   llm.Generator
	Scanner     safety.Scanner
	Fallbacks   safety.FallbackProvider
	Sink        audit.Sink
}

// NewOrchestrator creates the nightly nudge job
func NewOrchestrator(deps Deps, cfg config.PipelineConfig) *Orchestrator {
	if deps.Fallbacks == nil {
		deps.Fallbacks = safety.StaticFallbacks{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	return &Orchestrator{
		users:       deps.Users,
		enrollments: deps.Enrollments,
		protocols:   deps.Protocols,
		nudges:      deps.Nudges,
		memories:    deps.Memories,
		machine:     deps.Machine,
		embedder:    deps.Embedder,
		retriever:   deps.Retriever,
		generator:   deps.Generator,
		scanner:     deps.Scanner,
		fallbacks:   deps.Fallbacks,
		sink:        deps.Sink,
		cfg:         cfg,
		locks:       newKeyedMutex(),
	}
}

// Run executes one adaptive-nudge cycle. trigger names the invoker
// ("schedule", "manual") for the audit trail. runAt overrides the clock
// for deterministic testing; pass time.Now() in production.
//
// One user's failure never aborts the run: per-user errors are logged,
// audited as user_skipped, and the batch moves on.
func (o *Orchestrator) Run(ctx context.Context, trigger string, runAt time.Time) error {
	log := logging.WithField("job", "adaptive_nudges")
	log.Info("starting run (trigger=%s)", trigger)

	// Memory maintenance runs once, ahead of any per-user work, so every
	// retrieval this cycle sees decayed and pruned state.
	if err := o.memories.RunMaintenance(ctx, runAt); err != nil {
		log.Warn("memory maintenance failed, retrieval will see stale confidences: %v", err)
	}

	users, err := o.users.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing active users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	for _, user := range users {
		user := user
		g.Go(func() error {
			unlock := o.locks.lock(user.ID)
			defer unlock()

			if err := o.processUser(gctx, user, trigger, runAt); err != nil {
				logging.WithFields(map[string]interface{}{
					"job":  "adaptive_nudges",
					"user": user.ID,
				}).Warn("user skipped: %v", err)

				audit.Record(gctx, o.sink, user.ID, core.DecisionUserSkipped, map[string]interface{}{
					"job":     "adaptive_nudges",
					"trigger": trigger,
					"error":   err.Error(),
				})
			}
			return nil
		})
	}

	g.Wait()

	if expired, err := o.nudges.MarkExpired(ctx, runAt.Add(-48*time.Hour)); err == nil && expired > 0 {
		log.Info("expired %d stale pending nudges", expired)
	}

	log.Info("run complete (%d users)", len(users))
	return nil
}

func (o *Orchestrator) processUser(ctx context.Context, user core.UserProfile, trigger string, runAt time.Time) error {
	enrollments, err := o.enrollments.ActiveByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("loading enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return nil
	}

	// The oldest active enrollment is the user's primary module
	primary := enrollments[0]

	now, dayStart, dayEnd := localDay(user.Timezone, runAt)
	signals := o.signalsFor(ctx, user.ID, dayStart.Format("2006-01-02"))

	memories, err := o.memories.GetRelevantMemories(ctx, user.ID, memory.Filter{
		ModuleID:      primary.ModuleID,
		MinConfidence: o.cfg.MemoryConfidenceFloor,
	}, o.cfg.MemoryRetrievalLimit)
	if err != nil {
		return fmt.Errorf("%w: memories: %v", core.ErrUpstreamUnavailable, err)
	}

	candidates, err := o.retrieveCandidates(ctx, user, primary.ModuleID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	recentIDs, err := o.recentProtocolIDs(ctx, user.ID, runAt)
	if err != nil {
		return fmt.Errorf("reading timeline: %w", err)
	}

	best, bestScore, ok := o.pickBest(user, primary.ModuleID, signals, memories, candidates, recentIDs, now)
	if !ok {
		// Every candidate was hard-suppressed; nothing to say tonight
		return nil
	}

	// Re-evaluate MVD (exit first, then activation) before gating
	state, err := o.machine.Evaluate(ctx, user.ID, signals, runAt)
	if err != nil {
		return fmt.Errorf("mvd evaluation: %w", err)
	}

	stats, err := o.nudges.DayStats(ctx, user.ID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("computing delivery stats: %w", err)
	}

	verdict := suppression.Evaluate(suppression.Context{
		Now:                  now,
		QuietStartHour:       user.QuietStartHour,
		QuietEndHour:         user.QuietEndHour,
		DailyCap:             orDefaultInt(user.MaxNudgesPerDay, o.cfg.DefaultDailyCap),
		MinSpacing:           orDefaultDur(user.MinNudgeSpacing, o.cfg.DefaultMinSpacing),
		DeliveredToday:       stats.DeliveredToday,
		DismissedToday:       stats.DismissedToday,
		LastDeliveredAt:      stats.LastDeliveredAt,
		RecoveryScore:        signals.RecoveryScore,
		MVDActive:            state.Active,
		MVDType:              state.Type,
		Protocol:             best,
		Confidence:           bestScore.Overall,
		LowRecoveryThreshold: o.cfg.LowRecoveryThreshold,
		DismissalFatigueMax:  o.cfg.DismissalFatigueMax,
		ConfidenceFloor:      o.cfg.ConfidenceFloor,
	})

	if !verdict.ShouldDeliver {
		audit.Record(ctx, o.sink, user.ID, core.DecisionNudgeSuppressed, map[string]interface{}{
			"trigger":     trigger,
			"rule":        string(verdict.SuppressedBy),
			"reason":      verdict.Reason,
			"protocol_id": string(best.ID),
			"confidence":  bestScore.Overall,
			"factors":     bestScore.Factors,
			"mvd_active":  state.Active,
			"recovery":    signals.RecoveryScore,
		})
		return nil
	}

	return o.generateAndPersist(ctx, user, primary, best, bestScore, state, signals, memories, verdict, trigger, runAt)
}

// retrieveCandidates embeds the module topic and queries the protocol
// collection, scoped to the user's module.
func (o *Orchestrator) retrieveCandidates(ctx context.Context, user core.UserProfile, moduleID core.ModuleID) ([]core.Protocol, error) {
	topic := fmt.Sprintf("coaching protocols for %s", moduleID)
	if user.Goal != "" {
		topic += " supporting the goal: " + user.Goal
	}

	vector, err := o.embedder.Embed(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", core.ErrUpstreamUnavailable, err)
	}

	results, err := o.retriever.Search(ctx, vector, uint64(o.cfg.CandidateTopK), map[string]string{
		"module_id": string(moduleID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", core.ErrUpstreamUnavailable, err)
	}

	ids := make([]core.ProtocolID, 0, len(results))
	for _, r := range results {
		pid, ok := r.Payload["protocol_id"].(string)
		if !ok || pid == "" {
			continue
		}
		ids = append(ids, core.ProtocolID(pid))
	}

	return o.protocols.GetByIDs(ctx, ids)
}

// pickBest scores every candidate, drops hard-suppressed ones, and returns
// the single highest scorer.
func (o *Orchestrator) pickBest(
	user core.UserProfile,
	moduleID core.ModuleID,
	signals core.DailySignals,
	memories []core.Memory,
	candidates []core.Protocol,
	recentIDs []core.ProtocolID,
	now time.Time,
) (core.Protocol, scoring.ConfidenceScore, bool) {
	slot := slotForHour(now.Hour())

	var best core.Protocol
	var bestScore scoring.ConfidenceScore
	found := false

	for _, candidate := range candidates {
		score := scoring.Score(scoring.Context{
			Goal:              user.Goal,
			ModuleID:          moduleID,
			Slot:              slot,
			RecoveryScore:     signals.RecoveryScore,
			HRVDeviation:      signals.HRVDeviation,
			Protocol:          candidate,
			InModule:          true, // retrieval is module-scoped
			RecentProtocolIDs: recentIDs,
			Siblings:          candidates,
			Memories:          memories,
		})

		if score.ShouldSuppress {
			continue
		}
		if !found || score.Overall > bestScore.Overall {
			best, bestScore, found = candidate, score, true
		}
	}

	return best, bestScore, found
}

func (o *Orchestrator) generateAndPersist(
	ctx context.Context,
	user core.UserProfile,
	primary core.ModuleEnrollment,
	protocol core.Protocol,
	score scoring.ConfidenceScore,
	state *core.MVDState,
	signals core.DailySignals,
	memories []core.Memory,
	verdict suppression.Result,
	trigger string,
	runAt time.Time,
) error {
	userPrompt := composePrompt(user, protocol, state, signals, memories)

	body, err := o.generator.Chat(ctx, systemPrompt, userPrompt)
	if err != nil {
		return fmt.Errorf("%w: generation: %v", core.ErrUpstreamUnavailable, err)
	}

	scanCtx := safety.ScanContext{
		UserID:   user.ID,
		Kind:     string(core.NudgeKindAdaptive),
		ModuleID: string(primary.ModuleID),
	}
	scan, err := o.scanner.Scan(ctx, body, scanCtx)
	if err != nil {
		return fmt.Errorf("%w: safety scan: %v", core.ErrUpstreamUnavailable, err)
	}

	memoryIDs := make([]string, len(memories))
	for i, m := range memories {
		memoryIDs[i] = m.ID
	}

	record := &core.NudgeRecord{
		UserID:     user.ID,
		ProtocolID: protocol.ID,
		ModuleID:   primary.ModuleID,
		Kind:       core.NudgeKindAdaptive,
		Title:      protocol.Name,
		Body:       body,
		Why:        score.Reasoning,
		Status:     core.NudgeStatusPending,
		Confidence: score.Overall,
		CreatedAt:  runAt.UTC(),
	}

	if !scan.Safe {
		record.Body = o.fallbacks.Fallback(scanCtx)
		record.SafetyFlagged = true

		if _, err := o.nudges.Append(ctx, record); err != nil {
			return fmt.Errorf("persisting nudge: %w", err)
		}

		audit.Record(ctx, o.sink, user.ID, core.DecisionNudgeSafetyFlagged, map[string]interface{}{
			"trigger":          trigger,
			"protocol_id":      string(protocol.ID),
			"model":            o.generator.ModelName(),
			"flagged_keywords": scan.FlaggedKeywords,
			"severity":         string(scan.Severity),
			"scan_reason":      scan.Reason,
			"rejected_text":    body,
		})
		return nil
	}

	if _, err := o.nudges.Append(ctx, record); err != nil {
		return fmt.Errorf("persisting nudge: %w", err)
	}

	audit.Record(ctx, o.sink, user.ID, core.DecisionNudgeGenerated, map[string]interface{}{
		"trigger":     trigger,
		"protocol_id": string(protocol.ID),
		"model":       o.generator.ModelName(),
		"prompt":      userPrompt,
		"response":    body,
		"confidence":  score.Overall,
		"factors":     score.Factors,
		"memory_ids":  memoryIDs,
		"suppression": map[string]interface{}{
			"should_deliver": verdict.ShouldDeliver,
			"rules_passed":   suppression.Rules(),
		},
		"mvd_active": state.Active,
		"recovery":   signals.RecoveryScore,
	})

	return nil
}

// signalsFor loads the day's signals, substituting a neutral day when the
// wearable row is missing.
func (o *Orchestrator) signalsFor(ctx context.Context, userID, date string) core.DailySignals {
	sig, err := o.users.SignalsFor(ctx, userID, date)
	if err != nil {
		return core.DailySignals{
			UserID:        userID,
			Date:          date,
			RecoveryScore: neutralRecovery,
		}
	}
	return *sig
}

// recentProtocolIDs reads protocols nudged in the trailing week
func (o *Orchestrator) recentProtocolIDs(ctx context.Context, userID string, runAt time.Time) ([]core.ProtocolID, error) {
	recent, err := o.nudges.RangeByUser(ctx, userID, runAt.AddDate(0, 0, -7), runAt)
	if err != nil {
		return nil, err
	}

	var ids []core.ProtocolID
	for _, n := range recent {
		if n.ProtocolID != "" {
			ids = append(ids, n.ProtocolID)
		}
	}
	return ids, nil
}

func composePrompt(user core.UserProfile, protocol core.Protocol, state *core.MVDState, signals core.DailySignals, memories []core.Memory) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User: %s. Goal: %s.\n", user.Name, user.Goal)
	fmt.Fprintf(&b, "Protocol: %s (%s, %d min).\n", protocol.Name, protocol.Category, protocol.DurationMinutes)
	fmt.Fprintf(&b, "Recovery score today: %.0f.", signals.RecoveryScore)
	if signals.HRVDeviation != 0 {
		fmt.Fprintf(&b, " HRV %.0f%% from baseline.", signals.HRVDeviation)
	}
	b.WriteString("\n")

	if state.Active {
		fmt.Fprintf(&b, "The user is in a reduced-scope day (%s); keep expectations minimal.\n", state.Type)
	}

	if len(memories) > 0 {
		b.WriteString("What we know about this user:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	return b.String()
}

// slotForHour buckets a clock hour into the day's coarse slots
func slotForHour(hour int) core.TimeSlot {
	switch {
	case hour < 11:
		return core.SlotMorning
	case hour < 17:
		return core.SlotMidday
	default:
		return core.SlotEvening
	}
}

// localDay resolves the run instant into the user's local clock and day
// bounds. Unknown timezones fall back to UTC.
func localDay(tz string, runAt time.Time) (now, dayStart, dayEnd time.Time) {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}

	now = runAt.In(loc)
	dayStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	dayEnd = dayStart.AddDate(0, 0, 1)
	return now, dayStart, dayEnd
}

func orDefaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
