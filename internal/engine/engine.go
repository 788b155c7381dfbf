package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gcastellani/mentora/internal/brain"
	"github.com/gcastellani/mentora/internal/breaker"
	"github.com/gcastellani/mentora/internal/dialog"
	"github.com/gcastellani/mentora/internal/gating"
	"github.com/gcastellani/mentora/internal/memory"
	"github.com/gcastellani/mentora/internal/observability"
	"github.com/gcastellani/mentora/internal/policy"
	"github.com/gcastellani/mentora/internal/queue"
	"github.com/gcastellani/mentora/internal/semcache"
)

// Turn is one learner utterance submitted for orchestration.
type Turn struct {
	TurnID      string
	SessionID   string
	Subject     string
	Topic       string
	Text        string
	DurationMS  int64
	Confidence  float64
	EndOfSpeech bool
	BargeIn     bool
}

// QuestionOutcome reports how a pending comprehension question resolved.
type QuestionOutcome struct {
	Question string `json:"question"`
	Correct  bool   `json:"correct"`
}

// TurnResult is the orchestrated outcome of one turn.
type TurnResult struct {
	TurnID      string           `json:"turn_id"`
	Text        string           `json:"text,omitempty"`
	Gated       bool             `json:"gated"`
	GateReason  string           `json:"gate_reason,omitempty"`
	Superseded  bool             `json:"superseded"`
	FromCache   bool             `json:"from_cache"`
	Degraded    bool             `json:"degraded"`
	DialogState string           `json:"dialog_state,omitempty"`
	Citations   []string         `json:"citations,omitempty"`
	Question    *QuestionOutcome `json:"question,omitempty"`
}

// Metrics aggregates the per-component snapshots for the admin surface.
type Metrics struct {
	Gating  gating.Metrics         `json:"gating"`
	Cache   semcache.Metrics       `json:"cache"`
	Circuit breaker.Metrics        `json:"circuit"`
	Queues  queue.AggregateMetrics `json:"queues"`
	Dialog  dialog.Metrics         `json:"dialog"`
}

// Engine runs the turn pipeline: admission, pending-question resolution,
// semantic cache, per-session queueing, circuit-protected generation, and
// dialog bookkeeping.
type Engine struct {
	gate    *gating.Service
	cache   *semcache.Cache
	circuit *breaker.Breaker
	queues  *queue.Manager
	dialogs *dialog.Manager
	adapter brain.Adapter
	guard   *policy.OutboundGuard
	store   memory.Store
	obs     *observability.Metrics

	transcriptSize int
}

type Config struct {
	Gate           *gating.Service
	Cache          *semcache.Cache
	Circuit        *breaker.Breaker
	Queues         *queue.Manager
	Dialogs        *dialog.Manager
	Adapter        brain.Adapter
	Guard          *policy.OutboundGuard
	Store          memory.Store
	Observability  *observability.Metrics
	TranscriptSize int
}

func New(cfg Config) *Engine {
	e := &Engine{
		gate:           cfg.Gate,
		cache:          cfg.Cache,
		circuit:        cfg.Circuit,
		queues:         cfg.Queues,
		dialogs:        cfg.Dialogs,
		adapter:        cfg.Adapter,
		guard:          cfg.Guard,
		store:          cfg.Store,
		obs:            cfg.Observability,
		transcriptSize: cfg.TranscriptSize,
	}
	if e.transcriptSize <= 0 {
		e.transcriptSize = 10
	}
	if e.circuit != nil && e.obs != nil {
		e.circuit.SetStateChangeHook(func(from, to breaker.State) {
			e.obs.CircuitState.Set(circuitStateValue(to))
			e.obs.ObserveTurnIndicator("circuit_" + string(to))
		})
	}
	return e
}

// ProcessTurn runs one utterance through the full pipeline and blocks until
// the turn resolves, is gated, or is superseded by a newer turn.
func (e *Engine) ProcessTurn(ctx context.Context, turn Turn) (TurnResult, error) {
	started := time.Now()
	turnID := turn.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	result := TurnResult{TurnID: turnID}

	gateStarted := time.Now()
	admission := e.gate.Validate(gating.Input{
		SessionID:   turn.SessionID,
		Text:        turn.Text,
		DurationMS:  turn.DurationMS,
		Confidence:  turn.Confidence,
		EndOfSpeech: turn.EndOfSpeech,
		SubmittedAt: started,
	})
	e.observeStage("gate", gateStarted)

	if admission.ShouldGate {
		result.Gated = true
		result.GateReason = admission.Reason
		e.countOutcome("gated")
		if e.obs != nil {
			e.obs.GatedInputs.WithLabelValues(admission.Reason).Inc()
		}
		return result, nil
	}
	normalized := admission.NormalizedInput

	dctx := e.dialogs.Get(turn.SessionID)
	if dctx == nil {
		dctx = e.dialogs.InitializeContext(turn.SessionID, turn.Topic)
	}
	if turn.Topic != "" && turn.Topic != dctx.Topic {
		e.dialogs.SetTopic(turn.SessionID, turn.Topic)
		dctx = e.dialogs.Get(turn.SessionID)
	}
	topic := dctx.Topic

	// A pending comprehension question claims the next admitted input as
	// its answer. The check resolves locally; it never pays for a fresh
	// generation.
	if q, ok := e.dialogs.GetQuestionState(turn.SessionID); ok {
		correct := dialog.CheckAnswer(q, normalized)
		e.dialogs.ClearQuestionState(turn.SessionID)
		result.Question = &QuestionOutcome{Question: q.Question, Correct: correct}
		if dctx.State == dialog.StateCheck {
			next := dialog.StateAdvance
			if !correct {
				next = dialog.StateRemediate
			}
			e.dialogs.UpdateState(turn.SessionID, next)
		}
		result.Text = answerCheckReply(q, correct)
		e.finishTurn(ctx, turn, &result, normalized, started, "answered")
		return result, nil
	}

	cacheStarted := time.Now()
	cached := e.cache.Get(topic, normalized)
	e.observeStage("cache_lookup", cacheStarted)

	if cached != nil {
		e.countCacheLookup("hit")
		result.Text = cached.Content
		result.FromCache = true
		result.Citations = cached.Citations
		e.finishTurn(ctx, turn, &result, normalized, started, "cached")
		return result, nil
	}
	e.countCacheLookup("miss")

	req := brain.GenerateRequest{
		SessionID:    turn.SessionID,
		TurnID:       result.TurnID,
		Topic:        topic,
		Subject:      turn.Subject,
		InputText:    admission.NormalizedInput,
		ContextLines: e.recentContext(ctx, turn.SessionID),
		DialogState:  string(e.currentState(turn.SessionID)),
		CurrentPlan:  dctx.CurrentPlan,
	}

	queueStarted := time.Now()
	uq := e.queues.GetQueue(turn.SessionID)
	ticket := uq.Enqueue(ctx, func(opCtx context.Context) (string, error) {
		e.observeStage("queue_wait", queueStarted)
		return e.circuit.Execute(opCtx, func(c context.Context) (string, error) {
			genStarted := time.Now()
			resp, err := e.adapter.Generate(c, req)
			e.observeStage("generate", genStarted)
			if err != nil {
				return "", err
			}
			return resp.Text, nil
		})
	}, turn.BargeIn)

	text, err := ticket.Wait(ctx)
	switch {
	case err == nil:
		result.Text = text
	case errors.Is(err, queue.ErrCancelled):
		result.Superseded = true
		e.countOutcome("superseded")
		return result, nil
	case errors.Is(err, context.Canceled):
		result.Superseded = true
		e.countOutcome("superseded")
		return result, nil
	default:
		// Backend down or circuit open: answer with a deterministic
		// fallback instead of surfacing the error to the learner.
		result.Text = fallbackText(topic)
		result.Degraded = true
		e.countBrainError(err)
		e.finishTurn(ctx, turn, &result, normalized, started, "degraded")
		return result, nil
	}

	if redacted, changed := policy.RedactPII(result.Text); changed {
		result.Text = redacted
	}
	if e.guard != nil && !e.guard.Admit(turn.SessionID, result.Text) {
		result.Text = rephraseNudge(topic)
	} else {
		e.cache.Set(topic, normalized, result.Text, turn.Subject)
	}

	e.finishTurn(ctx, turn, &result, normalized, started, "ok")
	return result, nil
}

// CancelInFlight rejects the session's executing and queued turns. The
// running backend call is left to finish on its own; its result is dropped.
func (e *Engine) CancelInFlight(sessionID string) int {
	return e.queues.CancelInFlightForSession(sessionID)
}

// InvalidateTopic evicts every cached answer for a topic, typically after
// curriculum content changes.
func (e *Engine) InvalidateTopic(topic string) int {
	return e.cache.Invalidate(topic)
}

// ForgetSession drops all per-session orchestration state. Used by the
// session janitor and explicit session end.
func (e *Engine) ForgetSession(sessionID string) {
	e.queues.Remove(sessionID)
	e.dialogs.Remove(sessionID)
	e.gate.Forget(sessionID)
	if e.guard != nil {
		e.guard.Forget(sessionID)
	}
}

func (e *Engine) Metrics() Metrics {
	return Metrics{
		Gating:  e.gate.Metrics(),
		Cache:   e.cache.Metrics(),
		Circuit: e.circuit.Metrics(),
		Queues:  e.queues.Metrics(),
		Dialog:  e.dialogs.Metrics(),
	}
}

// finishTurn performs the shared tail of a resolved turn: dialog
// progression, transcript persistence and latency accounting.
func (e *Engine) finishTurn(ctx context.Context, turn Turn, result *TurnResult, normalized string, started time.Time, outcome string) {
	if st := e.currentState(turn.SessionID); st == dialog.StateGreet {
		e.dialogs.UpdateState(turn.SessionID, dialog.StateUnderstand)
	}
	result.DialogState = string(e.currentState(turn.SessionID))

	e.saveTranscript(ctx, turn, normalized, result)
	e.countOutcome(outcome)
	if e.obs != nil {
		e.obs.ObserveTurnLatency(time.Since(started))
		e.obs.ObserveTurnStage("turn_total", time.Since(started))
	}
}

func (e *Engine) saveTranscript(ctx context.Context, turn Turn, normalized string, result *TurnResult) {
	if e.store == nil {
		return
	}
	topic := turn.Topic
	learnerText, learnerRedacted := policy.RedactPII(normalized)
	entries := []memory.TranscriptEntry{
		{SessionID: turn.SessionID, Role: "learner", Topic: topic, Content: learnerText, PIIRedacted: learnerRedacted},
		{SessionID: turn.SessionID, Role: "tutor", Topic: topic, Content: result.Text, FromCache: result.FromCache},
	}
	for _, entry := range entries {
		if err := e.store.SaveEntry(ctx, entry); err != nil {
			// Transcript persistence is best effort and never fails a turn.
			log.Printf("engine: transcript save failed session=%s: %v", turn.SessionID, err)
			return
		}
	}
}

func (e *Engine) recentContext(ctx context.Context, sessionID string) []string {
	if e.store == nil {
		return nil
	}
	entries, err := e.store.RecentEntries(ctx, sessionID, e.transcriptSize)
	if err != nil {
		log.Printf("engine: recent context load failed session=%s: %v", sessionID, err)
		return nil
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", entry.Role, entry.Content))
	}
	return lines
}

func (e *Engine) currentState(sessionID string) dialog.State {
	if dctx := e.dialogs.Get(sessionID); dctx != nil {
		return dctx.State
	}
	return dialog.StateGreet
}

func (e *Engine) observeStage(stage string, started time.Time) {
	if e.obs != nil {
		e.obs.ObserveTurnStage(stage, time.Since(started))
	}
}

func (e *Engine) countOutcome(outcome string) {
	if e.obs != nil {
		e.obs.TurnOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countCacheLookup(kind string) {
	if e.obs != nil {
		e.obs.CacheLookups.WithLabelValues(kind).Inc()
		e.obs.ObserveTurnIndicator("cache_" + kind)
	}
}

func (e *Engine) countBrainError(err error) {
	if e.obs == nil {
		return
	}
	code := "backend_error"
	if errors.Is(err, breaker.ErrOpen) {
		code = "circuit_open"
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	e.obs.BrainErrors.WithLabelValues(code).Inc()
}

func circuitStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// answerCheckReply composes the local reply for a resolved comprehension
// question.
func answerCheckReply(q dialog.PendingQuestion, correct bool) string {
	if correct {
		return "That's right, nice work. Let's keep going."
	}
	if expected := strings.TrimSpace(q.ExpectedAnswer); expected != "" {
		return fmt.Sprintf("Not quite. The answer is %s. Let's walk through it again.", expected)
	}
	return "Not quite. Let's walk through it again."
}

func fallbackText(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "I'm having trouble reaching my knowledge source right now. Tell me in your own words what you understand so far, and we'll build on that together."
	}
	return fmt.Sprintf("I'm having trouble reaching my knowledge source right now. While I recover, tell me in your own words what you already know about %s, and we'll build on that together.", topic)
}

func rephraseNudge(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "I've said that a few times already, so let's come at it from a different angle. What part feels least clear to you?"
	}
	return fmt.Sprintf("I've said that a few times already, so let's come at %s from a different angle. What part feels least clear to you?", topic)
}
