package gating

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// Input is one utterance candidate as seen by admission control.
type Input struct {
	SessionID   string
	Text        string
	DurationMS  int64
	Confidence  float64
	EndOfSpeech bool
	SubmittedAt time.Time
}

// Result is the admission decision for one input.
type Result struct {
	IsValid         bool
	ShouldGate      bool
	Reason          string
	NormalizedInput string
}

// Gate reasons surfaced to callers. These are machine-readable and stable.
const (
	ReasonEmptyInput        = "empty_input"
	ReasonGibberish         = "gibberish"
	ReasonRepeatedInput     = "repeated_input"
	ReasonSpeechTooShort    = "speech_too_short"
	ReasonLowConfidence     = "low_confidence"
	ReasonUtteranceTooLong  = "utterance_too_long"
	ReasonAwaitingEndOfTurn = "awaiting_end_of_speech"
)

// Profile bundles the speech-quality thresholds for one named gating posture.
type Profile struct {
	Name          string
	MinDurationMS int64
	MinConfidence float64
}

var profiles = map[string]Profile{
	"strict":     {Name: "strict", MinDurationMS: 400, MinConfidence: 0.65},
	"balanced":   {Name: "balanced", MinDurationMS: 250, MinConfidence: 0.5},
	"aggressive": {Name: "aggressive", MinDurationMS: 120, MinConfidence: 0.35},
}

// ProfileByName resolves a named profile, falling back to balanced.
func ProfileByName(name string) Profile {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return profiles["balanced"]
	}
	return p
}

const recentInputWindow = 5

// Metrics is a point-in-time snapshot of admission counters.
type Metrics struct {
	TotalInputs  int64            `json:"total_inputs"`
	GatedInputs  int64            `json:"gated_inputs"`
	GateReasons  map[string]int64 `json:"gate_reasons"`
	AdmittedRate float64          `json:"admitted_rate"`
}

type sessionState struct {
	lastSpeechAt time.Time
	recentInputs []string
}

// Service decides whether a turn is worth sending to the tutor brain.
// It keeps per-session voice-activity timestamps and a short window of
// recent normalized inputs for repetition rejection.
type Service struct {
	mu             sync.Mutex
	profile        Profile
	maxUtteranceMS int64
	vadSilence     time.Duration
	sessions       map[string]*sessionState

	totalInputs int64
	gatedInputs int64
	gateReasons map[string]int64
}

// Config carries gating thresholds; zero values fall back to defaults.
type Config struct {
	Profile        string
	MinDurationMS  int64
	MinConfidence  float64
	MaxUtteranceMS int64
	VADSilence     time.Duration
}

func NewService(cfg Config) *Service {
	profile := ProfileByName(cfg.Profile)
	if cfg.MinDurationMS > 0 {
		profile.MinDurationMS = cfg.MinDurationMS
	}
	if cfg.MinConfidence > 0 {
		profile.MinConfidence = cfg.MinConfidence
	}
	maxUtterance := cfg.MaxUtteranceMS
	if maxUtterance <= 0 {
		maxUtterance = 30_000
	}
	vadSilence := cfg.VADSilence
	if vadSilence <= 0 {
		vadSilence = 800 * time.Millisecond
	}
	return &Service{
		profile:        profile,
		maxUtteranceMS: maxUtterance,
		vadSilence:     vadSilence,
		sessions:       make(map[string]*sessionState),
		gateReasons:    make(map[string]int64),
	}
}

// Validate runs the admission decision for one input. It has no side effects
// beyond counters and the per-session VAD / repetition windows.
func (s *Service) Validate(in Input) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalInputs++
	st := s.sessionState(in.SessionID)

	now := in.SubmittedAt
	if now.IsZero() {
		now = time.Now()
	}

	priorSpeechAt := st.lastSpeechAt
	hasSpeech := in.DurationMS > 0 || in.Confidence > 0
	if hasSpeech {
		st.lastSpeechAt = now
	}

	if in.DurationMS > s.maxUtteranceMS {
		return s.gate(ReasonUtteranceTooLong)
	}

	// A turn is only final once the client signals end-of-speech or the VAD
	// silence window has elapsed since the session's previously detected
	// speech. Typed input with no speech activity at all counts as final.
	if !in.EndOfSpeech {
		switch {
		case priorSpeechAt.IsZero() && hasSpeech:
			return s.gate(ReasonAwaitingEndOfTurn)
		case !priorSpeechAt.IsZero() && now.Sub(priorSpeechAt) < s.vadSilence:
			return s.gate(ReasonAwaitingEndOfTurn)
		}
	}

	normalized := NormalizeText(in.Text)
	if normalized != "" {
		if looksLikeGibberish(normalized) {
			return s.gate(ReasonGibberish)
		}
		for _, prev := range st.recentInputs {
			if prev == normalized {
				return s.gate(ReasonRepeatedInput)
			}
		}
		st.remember(normalized)
		return Result{IsValid: true, NormalizedInput: normalized}
	}

	// No usable text: admit on speech quality alone.
	if in.DurationMS <= 0 && in.Confidence <= 0 {
		return s.gate(ReasonEmptyInput)
	}
	if in.DurationMS < s.profile.MinDurationMS {
		return s.gate(ReasonSpeechTooShort)
	}
	if in.Confidence < s.profile.MinConfidence {
		return s.gate(ReasonLowConfidence)
	}
	return Result{IsValid: true}
}

// Forget drops all gating state for a session.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make(map[string]int64, len(s.gateReasons))
	for k, v := range s.gateReasons {
		reasons[k] = v
	}
	rate := 0.0
	if s.totalInputs > 0 {
		rate = float64(s.totalInputs-s.gatedInputs) / float64(s.totalInputs)
	}
	return Metrics{
		TotalInputs:  s.totalInputs,
		GatedInputs:  s.gatedInputs,
		GateReasons:  reasons,
		AdmittedRate: rate,
	}
}

func (s *Service) gate(reason string) Result {
	s.gatedInputs++
	s.gateReasons[reason]++
	return Result{ShouldGate: true, Reason: reason}
}

func (s *Service) sessionState(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	return st
}

func (st *sessionState) remember(normalized string) {
	st.recentInputs = append(st.recentInputs, normalized)
	if len(st.recentInputs) > recentInputWindow {
		st.recentInputs = st.recentInputs[len(st.recentInputs)-recentInputWindow:]
	}
}

// NormalizeText lowercases, strips punctuation, and collapses whitespace so
// repetition and gibberish checks see a canonical form.
func NormalizeText(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

var gibberishWhitelist = map[string]bool{
	"yes": true, "no": true, "ok": true, "okay": true, "hi": true,
	"hey": true, "bye": true, "hmm": true, "why": true, "try": true,
	"my": true, "by": true,
}

// looksLikeGibberish flags short vowel-less alphabetic tokens and long
// single-character runs. Digits and whitelisted short words pass.
func looksLikeGibberish(normalized string) bool {
	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if gibberishWhitelist[tok] {
			continue
		}
		if isDigits(tok) {
			continue
		}
		if hasCharRun(tok, 5) {
			return true
		}
		if len(tok) <= 4 && isAlphabetic(tok) && !hasVowel(tok) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

func isAlphabetic(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(s) > 0
}

func hasVowel(s string) bool {
	return strings.ContainsAny(s, "aeiouy")
}

func hasCharRun(s string, n int) bool {
	run := 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			run++
			if run+1 >= n {
				return true
			}
		} else {
			run = 0
		}
		prev = r
	}
	return false
}
