package dialog

import (
	"log"
	"strings"
	"sync"
	"time"
)

// State is one position in the tutoring dialog loop.
type State string

const (
	StateGreet      State = "greet"
	StateUnderstand State = "understand"
	StatePlan       State = "plan"
	StateTeach      State = "teach"
	StateCheck      State = "check"
	StateRemediate  State = "remediate"
	StateAdvance    State = "advance"
	StateClose      State = "close"
)

// allowedTransitions restricts each state to an explicit set of next states.
var allowedTransitions = map[State][]State{
	StateGreet:      {StateUnderstand},
	StateUnderstand: {StatePlan, StateTeach, StateClose},
	StatePlan:       {StateTeach, StateClose},
	StateTeach:      {StateCheck, StateTeach, StateClose},
	StateCheck:      {StateRemediate, StateAdvance, StateTeach},
	StateRemediate:  {StateCheck, StateTeach, StateClose},
	StateAdvance:    {StateTeach, StatePlan, StateClose},
	StateClose:      {},
}

// QuestionType distinguishes how a pending question's answer is checked.
type QuestionType string

const (
	QuestionOpen           QuestionType = "open"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionYesNo          QuestionType = "yes_no"
)

// PendingQuestion is the single outstanding expected-answer slot.
type PendingQuestion struct {
	Question       string       `json:"question"`
	ExpectedAnswer string       `json:"expected_answer"`
	QuestionType   QuestionType `json:"question_type"`
	Options        []string     `json:"options,omitempty"`
	AskedAt        time.Time    `json:"asked_at"`
}

// Context is the per-session dialog state.
type Context struct {
	SessionID   string           `json:"session_id"`
	State       State            `json:"state"`
	Topic       string           `json:"topic"`
	Plans       []string         `json:"plans,omitempty"`
	CurrentPlan string           `json:"current_plan,omitempty"`
	Pending     *PendingQuestion `json:"pending_question,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Metrics is a point-in-time snapshot of dialog counters.
type Metrics struct {
	ActiveContexts     int              `json:"active_contexts"`
	InvalidTransitions int64            `json:"invalid_transitions"`
	StateCounts        map[string]int64 `json:"state_counts"`
}

// Manager owns one dialog Context per session and the pending-question slot.
// It is safe for concurrent use from multiple connection goroutines.
type Manager struct {
	mu                 sync.RWMutex
	contexts           map[string]*Context
	invalidTransitions int64
}

func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*Context)}
}

// InitializeContext creates a fresh context for the session, discarding any
// prior one so a reconnect never inherits stale cross-turn state.
func (m *Manager) InitializeContext(sessionID, topic string) *Context {
	now := time.Now().UTC()
	ctx := &Context{
		SessionID: sessionID,
		State:     StateGreet,
		Topic:     topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[sessionID] = ctx
	return cloneContext(ctx)
}

// Get returns a copy of the session's context, or nil if none exists.
func (m *Manager) Get(sessionID string) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[sessionID]
	if !ok {
		return nil
	}
	return cloneContext(ctx)
}

// UpdateState attempts a transition. Disallowed transitions are logged and
// rejected with state unchanged; they are never fatal.
func (m *Manager) UpdateState(sessionID string, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[sessionID]
	if !ok {
		m.invalidTransitions++
		log.Printf("dialog: transition to %q for unknown session %s", next, sessionID)
		return false
	}
	for _, allowed := range allowedTransitions[ctx.State] {
		if allowed == next {
			ctx.State = next
			ctx.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	m.invalidTransitions++
	log.Printf("dialog: disallowed transition %s -> %s (session %s)", ctx.State, next, sessionID)
	return false
}

// SetTopic switches the session's topic and clears plan and question state
// accumulated under the old topic.
func (m *Manager) SetTopic(sessionID, topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[sessionID]
	if !ok {
		return false
	}
	if ctx.Topic != topic {
		ctx.Plans = nil
		ctx.CurrentPlan = ""
		ctx.Pending = nil
	}
	ctx.Topic = topic
	ctx.UpdatedAt = time.Now().UTC()
	return true
}

// PushPlan records a new current plan, archiving the previous one.
func (m *Manager) PushPlan(sessionID, plan string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[sessionID]
	if !ok {
		return false
	}
	if ctx.CurrentPlan != "" {
		ctx.Plans = append(ctx.Plans, ctx.CurrentPlan)
	}
	ctx.CurrentPlan = plan
	ctx.UpdatedAt = time.Now().UTC()
	return true
}

// SetQuestionState fills the pending-question slot, replacing any prior one.
func (m *Manager) SetQuestionState(sessionID string, q PendingQuestion) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[sessionID]
	if !ok {
		return false
	}
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now().UTC()
	}
	ctx.Pending = &q
	ctx.UpdatedAt = time.Now().UTC()
	return true
}

// GetQuestionState returns the pending question, if any. Callers consult this
// before generating so the next turn can be resolved as an answer check.
func (m *Manager) GetQuestionState(sessionID string) (PendingQuestion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[sessionID]
	if !ok || ctx.Pending == nil {
		return PendingQuestion{}, false
	}
	return *ctx.Pending, true
}

// ClearQuestionState empties the pending-question slot.
func (m *Manager) ClearQuestionState(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, ok := m.contexts[sessionID]; ok {
		ctx.Pending = nil
		ctx.UpdatedAt = time.Now().UTC()
	}
}

// Remove drops the session's context entirely.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, sessionID)
}

func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int64)
	for _, ctx := range m.contexts {
		counts[string(ctx.State)]++
	}
	return Metrics{
		ActiveContexts:     len(m.contexts),
		InvalidTransitions: m.invalidTransitions,
		StateCounts:        counts,
	}
}

// CheckAnswer evaluates a learner reply against the pending question.
func CheckAnswer(q PendingQuestion, answer string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	}
	got := normalize(answer)
	want := normalize(q.ExpectedAnswer)
	if got == "" || want == "" {
		return false
	}
	switch q.QuestionType {
	case QuestionYesNo:
		return normalizeYesNo(got) == normalizeYesNo(want)
	case QuestionMultipleChoice:
		if got == want {
			return true
		}
		for _, opt := range q.Options {
			if normalize(opt) == got && normalize(opt) == want {
				return true
			}
		}
		return false
	default:
		return got == want || strings.Contains(got, want)
	}
}

func normalizeYesNo(s string) string {
	switch s {
	case "yes", "yeah", "yep", "y", "correct", "right", "true":
		return "yes"
	case "no", "nope", "nah", "n", "incorrect", "wrong", "false":
		return "no"
	default:
		return s
	}
}

func cloneContext(ctx *Context) *Context {
	out := *ctx
	if ctx.Pending != nil {
		pending := *ctx.Pending
		out.Pending = &pending
	}
	out.Plans = append([]string(nil), ctx.Plans...)
	return &out
}
