package queue

import (
	"sync"
	"time"
)

// AggregateMetrics sums queue counters across all active sessions.
type AggregateMetrics struct {
	ActiveQueues    int   `json:"active_queues"`
	TotalDepth      int   `json:"total_depth"`
	TotalProcessed  int64 `json:"total_processed"`
	TotalCancelled  int64 `json:"total_cancelled"`
	TotalErrors     int64 `json:"total_errors"`
	QueuesExecuting int   `json:"queues_executing"`
}

// Manager owns one UserQueue per active session. Queues are created lazily
// on first use and removed only by explicit cleanup, never by size-based
// eviction.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*UserQueue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*UserQueue)}
}

// GetQueue returns the session's queue, creating it if absent.
func (m *Manager) GetQueue(sessionID string) *UserQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		q = newUserQueue(sessionID)
		m.queues[sessionID] = q
	}
	return q
}

// CancelInFlightForSession clears the session's backlog and rejects its
// executing item without enqueueing anything new. Safe to call for unknown
// sessions.
func (m *Manager) CancelInFlightForSession(sessionID string) int {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.CancelInFlight()
}

// Remove cancels everything for the session and drops its queue.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	q, ok := m.queues[sessionID]
	delete(m.queues, sessionID)
	m.mu.Unlock()
	if ok {
		q.CancelInFlight()
	}
}

// Cleanup drops queues that have been idle for at least maxIdle and returns
// how many were removed.
func (m *Manager) Cleanup(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	now := time.Now()
	for sessionID, q := range m.queues {
		if !q.Idle() {
			continue
		}
		if now.Sub(q.lastActivity()) < maxIdle {
			continue
		}
		delete(m.queues, sessionID)
		removed++
	}
	return removed
}

// QueueMetrics returns a snapshot per active queue.
func (m *Manager) QueueMetrics() []Metrics {
	m.mu.Lock()
	queues := make([]*UserQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	out := make([]Metrics, 0, len(queues))
	for _, q := range queues {
		out = append(out, q.Metrics())
	}
	return out
}

func (m *Manager) Metrics() AggregateMetrics {
	agg := AggregateMetrics{}
	for _, qm := range m.QueueMetrics() {
		agg.ActiveQueues++
		agg.TotalDepth += qm.Depth
		agg.TotalProcessed += qm.Processed
		agg.TotalCancelled += qm.Cancelled
		agg.TotalErrors += qm.Errors
		if qm.Processing {
			agg.QueuesExecuting++
		}
	}
	return agg
}
