package policy

import (
	"strings"
	"sync"
	"unicode"
)

const outboundHistoryWindow = 3

// OutboundGuard rejects tutor output that merely repeats what the session
// was just told, so a flaky backend cannot loop the same explanation at the
// learner.
type OutboundGuard struct {
	mu     sync.Mutex
	recent map[string][]string
}

func NewOutboundGuard() *OutboundGuard {
	return &OutboundGuard{recent: make(map[string][]string)}
}

// Admit reports whether text may be spoken to the session and records it when
// admitted. Near-identical repeats of the last few utterances are rejected.
func (g *OutboundGuard) Admit(sessionID, text string) bool {
	canonical := canonicalOutbound(text)
	if canonical == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, prev := range g.recent[sessionID] {
		if prev == canonical {
			return false
		}
	}
	history := append(g.recent[sessionID], canonical)
	if len(history) > outboundHistoryWindow {
		history = history[len(history)-outboundHistoryWindow:]
	}
	g.recent[sessionID] = history
	return true
}

// Forget drops the guard's history for a session.
func (g *OutboundGuard) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.recent, sessionID)
}

func canonicalOutbound(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
