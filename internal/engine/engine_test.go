package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gcastellani/mentora/internal/brain"
	"github.com/gcastellani/mentora/internal/breaker"
	"github.com/gcastellani/mentora/internal/dialog"
	"github.com/gcastellani/mentora/internal/gating"
	"github.com/gcastellani/mentora/internal/memory"
	"github.com/gcastellani/mentora/internal/policy"
	"github.com/gcastellani/mentora/internal/queue"
	"github.com/gcastellani/mentora/internal/reliability"
	"github.com/gcastellani/mentora/internal/semcache"
)

type stubAdapter struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan string
	release chan struct{}
}

func (a *stubAdapter) Generate(ctx context.Context, req brain.GenerateRequest) (brain.GenerateResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.started != nil {
		a.started <- req.InputText
	}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return brain.GenerateResponse{}, ctx.Err()
		}
	}
	if a.err != nil {
		return brain.GenerateResponse{}, a.err
	}
	return brain.GenerateResponse{Text: "Sure, here is how " + req.InputText + " works."}, nil
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestEngine(adapter brain.Adapter) *Engine {
	return New(Config{
		Gate:    gating.NewService(gating.Config{Profile: "balanced"}),
		Cache:   semcache.New(semcache.Config{MaxEntries: 32, TTL: time.Minute}),
		Circuit: breaker.New(breaker.Config{AttemptTimeout: time.Second, DisableBackoffWait: true}),
		Queues:  queue.NewManager(),
		Dialogs: dialog.NewManager(),
		Adapter: adapter,
		Guard:   policy.NewOutboundGuard(),
		Store:   memory.NewInMemoryStore(),
	})
}

func validTurn(sessionID, text string) Turn {
	return Turn{
		SessionID:   sessionID,
		Topic:       "fractions",
		Subject:     "math",
		Text:        text,
		DurationMS:  900,
		Confidence:  0.9,
		EndOfSpeech: true,
	}
}

func TestProcessTurnGatesLowQualityInput(t *testing.T) {
	adapter := &stubAdapter{}
	e := newTestEngine(adapter)

	turn := validTurn("s1", "")
	turn.DurationMS = 0
	res, err := e.ProcessTurn(context.Background(), turn)
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !res.Gated {
		t.Fatalf("Gated = false, want true")
	}
	if res.GateReason != gating.ReasonEmptyInput {
		t.Fatalf("GateReason = %q, want %q", res.GateReason, gating.ReasonEmptyInput)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("backend calls = %d, want 0 for gated input", adapter.callCount())
	}
}

func TestProcessTurnGeneratesAndCaches(t *testing.T) {
	adapter := &stubAdapter{}
	e := newTestEngine(adapter)

	res, err := e.ProcessTurn(context.Background(), validTurn("s1", "What is a fraction?"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Gated || res.Superseded || res.Degraded {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if res.Text == "" {
		t.Fatalf("reply text should not be empty")
	}
	if res.FromCache {
		t.Fatalf("FromCache = true on first ask, want false")
	}
	if res.DialogState != string(dialog.StateUnderstand) {
		t.Fatalf("DialogState = %q, want %q", res.DialogState, dialog.StateUnderstand)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", adapter.callCount())
	}

	// The same question from another session is served from cache.
	res2, err := e.ProcessTurn(context.Background(), validTurn("s2", "What is a fraction?"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !res2.FromCache {
		t.Fatalf("FromCache = false on repeat ask, want true")
	}
	if res2.Text != res.Text {
		t.Fatalf("cached text = %q, want %q", res2.Text, res.Text)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("backend calls = %d, want 1 after cache hit", adapter.callCount())
	}
	if len(res2.Citations) == 0 {
		t.Fatalf("cached reply should carry citations")
	}
}

func TestProcessTurnBargeInSupersedesPending(t *testing.T) {
	adapter := &stubAdapter{
		started: make(chan string, 4),
		release: make(chan struct{}),
	}
	e := newTestEngine(adapter)
	ctx := context.Background()

	type outcome struct {
		res TurnResult
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		res, err := e.ProcessTurn(ctx, validTurn("s1", "What is a numerator?"))
		first <- outcome{res, err}
	}()
	// Wait for the first turn to reach the backend so the next one queues.
	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first turn never reached the backend")
	}

	go func() {
		res, err := e.ProcessTurn(ctx, validTurn("s1", "What is a denominator?"))
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan outcome, 1)
	go func() {
		res, err := e.ProcessTurn(ctx, validTurn("s1", "How do I add fractions?"))
		done <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	// Barge-in: cancels the queued turn, not the executing one.
	e.queues.GetQueue("s1").CancelPending()
	close(adapter.release)

	o2 := <-second
	if o2.err != nil {
		t.Fatalf("second turn error = %v", o2.err)
	}

	o1 := <-first
	if o1.err != nil {
		t.Fatalf("first turn error = %v", o1.err)
	}
	if o1.res.Superseded {
		t.Fatalf("executing turn was superseded, want completion")
	}
	if o1.res.Text == "" {
		t.Fatalf("executing turn should deliver text")
	}

	o3 := <-done
	if o3.err != nil {
		t.Fatalf("third turn error = %v", o3.err)
	}

	superseded := 0
	if o2.res.Superseded {
		superseded++
	}
	if o3.res.Superseded {
		superseded++
	}
	if superseded != 2 {
		t.Fatalf("superseded queued turns = %d, want 2", superseded)
	}
}

func TestProcessTurnEnqueueBargeInFlag(t *testing.T) {
	adapter := &stubAdapter{
		started: make(chan string, 4),
		release: make(chan struct{}),
	}
	e := newTestEngine(adapter)
	ctx := context.Background()

	type outcome struct {
		res TurnResult
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	third := make(chan outcome, 1)

	go func() {
		res, err := e.ProcessTurn(ctx, validTurn("s1", "What is a numerator?"))
		first <- outcome{res, err}
	}()
	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first turn never reached the backend")
	}

	go func() {
		res, err := e.ProcessTurn(ctx, validTurn("s1", "What is a denominator?"))
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	go func() {
		turn := validTurn("s1", "How do I add fractions?")
		turn.BargeIn = true
		res, err := e.ProcessTurn(ctx, turn)
		third <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(adapter.release)

	o2 := <-second
	if o2.err != nil {
		t.Fatalf("second turn error = %v", o2.err)
	}
	if !o2.res.Superseded {
		t.Fatalf("queued turn not superseded by barge-in")
	}

	o1 := <-first
	if o1.err != nil || o1.res.Superseded {
		t.Fatalf("executing turn err=%v superseded=%v, want completion", o1.err, o1.res.Superseded)
	}
	o3 := <-third
	if o3.err != nil || o3.res.Superseded {
		t.Fatalf("barge-in turn err=%v superseded=%v, want completion", o3.err, o3.res.Superseded)
	}
	if o3.res.Text == "" {
		t.Fatalf("barge-in turn should deliver text")
	}
}

func TestProcessTurnFallsBackWhenBackendFails(t *testing.T) {
	adapter := &stubAdapter{err: &reliability.StatusError{Status: 503, Message: "backend overloaded"}}
	e := newTestEngine(adapter)

	res, err := e.ProcessTurn(context.Background(), validTurn("s1", "What is a fraction?"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !res.Degraded {
		t.Fatalf("Degraded = false, want true")
	}
	if !strings.Contains(res.Text, "fractions") {
		t.Fatalf("fallback text %q should mention the topic", res.Text)
	}
	if res.FromCache {
		t.Fatalf("degraded reply must not come from cache")
	}

	// Degraded replies are never cached.
	res2, err := e.ProcessTurn(context.Background(), validTurn("s2", "What is a fraction?"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res2.FromCache {
		t.Fatalf("FromCache = true after degraded turn, want false")
	}
}

func TestProcessTurnResolvesPendingQuestion(t *testing.T) {
	adapter := &stubAdapter{}
	e := newTestEngine(adapter)

	dialogs := e.dialogs
	dialogs.InitializeContext("s1", "fractions")
	dialogs.UpdateState("s1", dialog.StateUnderstand)
	dialogs.UpdateState("s1", dialog.StateTeach)
	dialogs.UpdateState("s1", dialog.StateCheck)
	dialogs.SetQuestionState("s1", dialog.PendingQuestion{
		Question:       "Is one half larger than one third?",
		ExpectedAnswer: "yes",
		QuestionType:   dialog.QuestionYesNo,
	})

	res, err := e.ProcessTurn(context.Background(), validTurn("s1", "yes"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Question == nil {
		t.Fatalf("Question outcome missing")
	}
	if !res.Question.Correct {
		t.Fatalf("Correct = false, want true")
	}
	if res.DialogState != string(dialog.StateAdvance) {
		t.Fatalf("DialogState = %q, want %q", res.DialogState, dialog.StateAdvance)
	}
	if _, ok := dialogs.GetQuestionState("s1"); ok {
		t.Fatalf("pending question not cleared after evaluation")
	}
	// Answer checks resolve locally, never against the backend.
	if adapter.callCount() != 0 {
		t.Fatalf("backend calls = %d, want 0 for answer check", adapter.callCount())
	}
	if res.Text == "" {
		t.Fatalf("answer check should deliver a reply")
	}
}

func TestProcessTurnWrongAnswerRemediates(t *testing.T) {
	adapter := &stubAdapter{}
	e := newTestEngine(adapter)

	dialogs := e.dialogs
	dialogs.InitializeContext("s1", "fractions")
	dialogs.UpdateState("s1", dialog.StateUnderstand)
	dialogs.UpdateState("s1", dialog.StateTeach)
	dialogs.UpdateState("s1", dialog.StateCheck)
	dialogs.SetQuestionState("s1", dialog.PendingQuestion{
		Question:       "Is one half larger than one third?",
		ExpectedAnswer: "yes",
		QuestionType:   dialog.QuestionYesNo,
	})

	res, err := e.ProcessTurn(context.Background(), validTurn("s1", "no"))
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Question == nil || res.Question.Correct {
		t.Fatalf("expected incorrect answer outcome, got %+v", res.Question)
	}
	if res.DialogState != string(dialog.StateRemediate) {
		t.Fatalf("DialogState = %q, want %q", res.DialogState, dialog.StateRemediate)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("backend calls = %d, want 0 for answer check", adapter.callCount())
	}
	if !strings.Contains(res.Text, "yes") {
		t.Fatalf("remediation reply %q should restate the expected answer", res.Text)
	}
}

func TestForgetSessionDropsState(t *testing.T) {
	adapter := &stubAdapter{}
	e := newTestEngine(adapter)

	if _, err := e.ProcessTurn(context.Background(), validTurn("s1", "What is a fraction?")); err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	e.ForgetSession("s1")
	if ctx := e.dialogs.Get("s1"); ctx != nil {
		t.Fatalf("dialog context survived ForgetSession")
	}
}
