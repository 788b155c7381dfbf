package dialog

import "testing"

func TestInitializeContextStartsAtGreet(t *testing.T) {
	m := NewManager()
	ctx := m.InitializeContext("s1", "fractions")
	if ctx.State != StateGreet {
		t.Fatalf("State = %q, want %q", ctx.State, StateGreet)
	}
	if ctx.Topic != "fractions" {
		t.Fatalf("Topic = %q, want fractions", ctx.Topic)
	}
}

func TestInitializeContextDiscardsPriorState(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")
	m.SetQuestionState("s1", PendingQuestion{Question: "2+2?", ExpectedAnswer: "4"})

	m.InitializeContext("s1", "gravity")
	if _, ok := m.GetQuestionState("s1"); ok {
		t.Fatalf("pending question survived re-initialization")
	}
	if got := m.Get("s1"); got.Topic != "gravity" || got.State != StateGreet {
		t.Fatalf("context = %+v, want fresh gravity/greet", got)
	}
}

func TestUpdateStateFollowsAllowList(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")

	path := []State{StateUnderstand, StatePlan, StateTeach, StateCheck, StateRemediate, StateCheck, StateAdvance}
	for _, next := range path {
		if !m.UpdateState("s1", next) {
			t.Fatalf("UpdateState(%q) = false from %q", next, m.Get("s1").State)
		}
	}
	if got := m.Get("s1").State; got != StateAdvance {
		t.Fatalf("State = %q, want %q", got, StateAdvance)
	}
}

func TestUpdateStateRejectsDisallowedTransition(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")

	if m.UpdateState("s1", StateClose) {
		t.Fatalf("greet -> close should be rejected")
	}
	if got := m.Get("s1").State; got != StateGreet {
		t.Fatalf("State = %q, want unchanged %q", got, StateGreet)
	}
	if m.Metrics().InvalidTransitions != 1 {
		t.Fatalf("InvalidTransitions = %d, want 1", m.Metrics().InvalidTransitions)
	}
}

func TestUpdateStateUnknownSessionFails(t *testing.T) {
	m := NewManager()
	if m.UpdateState("missing", StateTeach) {
		t.Fatalf("transition for unknown session should fail")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")
	if !m.UpdateState("s1", StateUnderstand) || !m.UpdateState("s1", StateClose) {
		t.Fatalf("greet -> understand -> close should be allowed")
	}
	if m.UpdateState("s1", StateTeach) {
		t.Fatalf("close should have no outgoing transitions")
	}
}

func TestQuestionSlotRoundTrip(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")

	m.SetQuestionState("s1", PendingQuestion{
		Question:       "What is 1/2 + 1/4?",
		ExpectedAnswer: "3/4",
		QuestionType:   QuestionOpen,
	})
	q, ok := m.GetQuestionState("s1")
	if !ok {
		t.Fatalf("GetQuestionState() = none, want pending")
	}
	if q.ExpectedAnswer != "3/4" {
		t.Fatalf("ExpectedAnswer = %q", q.ExpectedAnswer)
	}

	m.ClearQuestionState("s1")
	if _, ok := m.GetQuestionState("s1"); ok {
		t.Fatalf("pending question survived clear")
	}
}

func TestSetTopicClearsPlanAndQuestion(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")
	m.PushPlan("s1", "start with halves")
	m.SetQuestionState("s1", PendingQuestion{Question: "q", ExpectedAnswer: "a"})

	if !m.SetTopic("s1", "decimals") {
		t.Fatalf("SetTopic() = false")
	}
	ctx := m.Get("s1")
	if ctx.CurrentPlan != "" || len(ctx.Plans) != 0 || ctx.Pending != nil {
		t.Fatalf("topic switch kept stale state: %+v", ctx)
	}
}

func TestPushPlanArchivesPrevious(t *testing.T) {
	m := NewManager()
	m.InitializeContext("s1", "fractions")
	m.PushPlan("s1", "plan a")
	m.PushPlan("s1", "plan b")

	ctx := m.Get("s1")
	if ctx.CurrentPlan != "plan b" {
		t.Fatalf("CurrentPlan = %q, want plan b", ctx.CurrentPlan)
	}
	if len(ctx.Plans) != 1 || ctx.Plans[0] != "plan a" {
		t.Fatalf("Plans = %v, want [plan a]", ctx.Plans)
	}
}

func TestCheckAnswer(t *testing.T) {
	cases := []struct {
		name   string
		q      PendingQuestion
		answer string
		want   bool
	}{
		{"open exact", PendingQuestion{ExpectedAnswer: "3/4", QuestionType: QuestionOpen}, "3/4", true},
		{"open contains", PendingQuestion{ExpectedAnswer: "3/4", QuestionType: QuestionOpen}, "i think it is 3/4", true},
		{"open wrong", PendingQuestion{ExpectedAnswer: "3/4", QuestionType: QuestionOpen}, "1/2", false},
		{"yes no variant", PendingQuestion{ExpectedAnswer: "yes", QuestionType: QuestionYesNo}, "yeah", true},
		{"yes no wrong", PendingQuestion{ExpectedAnswer: "yes", QuestionType: QuestionYesNo}, "nope", false},
		{"choice match", PendingQuestion{ExpectedAnswer: "b", QuestionType: QuestionMultipleChoice, Options: []string{"a", "b"}}, "B", true},
		{"choice wrong", PendingQuestion{ExpectedAnswer: "b", QuestionType: QuestionMultipleChoice, Options: []string{"a", "b"}}, "a", false},
		{"empty answer", PendingQuestion{ExpectedAnswer: "4", QuestionType: QuestionOpen}, "  ", false},
	}
	for _, tc := range cases {
		if got := CheckAnswer(tc.q, tc.answer); got != tc.want {
			t.Fatalf("%s: CheckAnswer() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
