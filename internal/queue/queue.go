package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled rejects a queued item superseded by barge-in. Callers must
// treat it as "superseded", never as a user-facing failure.
var ErrCancelled = errors.New("cancelled due to barge-in")

// Operation is one unit of generation work owned by a queue.
type Operation func(ctx context.Context) (string, error)

// Result is the terminal outcome of an enqueued operation.
type Result struct {
	Value string
	Err   error
}

// Ticket tracks one enqueued operation until completion or cancellation.
type Ticket struct {
	ID   string
	done chan Result
}

// Done yields exactly one Result when the operation completes, errors, or is
// cancelled.
func (t *Ticket) Done() <-chan Result {
	return t.done
}

// Wait blocks for the outcome, honoring caller context cancellation.
func (t *Ticket) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-t.done:
		return res.Value, res.Err
	}
}

type item struct {
	id         string
	op         Operation
	ctx        context.Context
	done       chan Result
	enqueuedAt time.Time
	aborted    bool
}

// Metrics is a point-in-time snapshot of one queue's counters.
type Metrics struct {
	SessionID        string  `json:"session_id"`
	Depth            int     `json:"depth"`
	Processing       bool    `json:"processing"`
	Processed        int64   `json:"processed"`
	Cancelled        int64   `json:"cancelled"`
	Errors           int64   `json:"errors"`
	AvgProcessingMS  float64 `json:"avg_processing_ms"`
	LastProcessingMS float64 `json:"last_processing_ms"`
}

// UserQueue serializes generation work for a single session: at most one
// item executes at any instant, later items wait in FIFO order, and barge-in
// sweeps the not-yet-started backlog. An executing item is never preempted;
// cancellation is advisory and checked before dispatch and before resolving.
type UserQueue struct {
	sessionID string

	mu         sync.Mutex
	items      []*item
	processing bool
	current    *item

	processed      int64
	cancelled      int64
	errorCount     int64
	totalProcMS    float64
	lastProcMS     float64
	lastActivityAt time.Time
}

func newUserQueue(sessionID string) *UserQueue {
	return &UserQueue{
		sessionID:      sessionID,
		lastActivityAt: time.Now(),
	}
}

// Enqueue appends op and returns a ticket resolved on completion. With
// bargeIn set, every pending (not yet started) item is first rejected with
// ErrCancelled so the newest turn wins over stale queued ones.
func (q *UserQueue) Enqueue(ctx context.Context, op Operation, bargeIn bool) *Ticket {
	it := &item{
		id:         uuid.NewString(),
		op:         op,
		ctx:        ctx,
		done:       make(chan Result, 1),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if bargeIn {
		q.sweepPendingLocked()
	}
	q.items = append(q.items, it)
	q.lastActivityAt = time.Now()
	q.mu.Unlock()

	q.dispatch()
	return &Ticket{ID: it.id, done: it.done}
}

// CancelPending rejects every not-yet-started item with ErrCancelled. The
// currently executing item, if any, runs to completion and still delivers
// its result.
func (q *UserQueue) CancelPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sweepPendingLocked()
}

// CancelInFlight clears the backlog like CancelPending and additionally
// rejects the executing item, if any. Its operation keeps running to
// completion (or its own timeout); only the result is discarded.
func (q *UserQueue) CancelInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	swept := q.sweepPendingLocked()
	if q.current != nil && !q.current.aborted {
		q.current.aborted = true
		q.current.done <- Result{Err: ErrCancelled}
		q.cancelled++
		swept++
	}
	return swept
}

func (q *UserQueue) sweepPendingLocked() int {
	swept := len(q.items)
	for _, it := range q.items {
		it.aborted = true
		it.done <- Result{Err: ErrCancelled}
	}
	q.items = nil
	q.cancelled += int64(swept)
	return swept
}

// dispatch starts the next item unless one is already executing. The
// processing flag is the per-session mutual-exclusion invariant.
func (q *UserQueue) dispatch() {
	q.mu.Lock()
	if q.processing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	it := q.items[0]
	q.items = q.items[1:]
	if it.aborted {
		q.mu.Unlock()
		q.dispatch()
		return
	}
	q.processing = true
	q.current = it
	q.mu.Unlock()

	go q.run(it)
}

func (q *UserQueue) run(it *item) {
	start := time.Now()
	value, err := it.op(it.ctx)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.processing = false
	q.current = nil
	q.lastActivityAt = time.Now()
	// An item cancelled mid-flight already delivered its cancellation
	// outcome; its actual result is discarded here.
	if !it.aborted {
		q.processed++
		ms := float64(elapsed.Milliseconds())
		q.totalProcMS += ms
		q.lastProcMS = ms
		if err != nil {
			q.errorCount++
		}
		it.done <- Result{Value: value, Err: err}
	}
	q.mu.Unlock()

	q.dispatch()
}

// Depth reports the number of pending (not yet started) items.
func (q *UserQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle reports whether the queue has neither pending nor executing work.
func (q *UserQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.processing && len(q.items) == 0
}

func (q *UserQueue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	avg := 0.0
	if q.processed > 0 {
		avg = q.totalProcMS / float64(q.processed)
	}
	return Metrics{
		SessionID:        q.sessionID,
		Depth:            len(q.items),
		Processing:       q.processing,
		Processed:        q.processed,
		Cancelled:        q.cancelled,
		Errors:           q.errorCount,
		AvgProcessingMS:  avg,
		LastProcessingMS: q.lastProcMS,
	}
}

func (q *UserQueue) lastActivity() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastActivityAt
}
