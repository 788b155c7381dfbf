package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gcastellani/mentora/internal/reliability"
)

// State is the circuit position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without touching the backend while the circuit is open.
var ErrOpen = errors.New("circuit open: backend call rejected")

// Operation is one attempt against the upstream generation backend.
type Operation func(ctx context.Context) (string, error)

// Config carries circuit thresholds; zero values fall back to defaults.
type Config struct {
	Name               string
	AttemptTimeout     time.Duration
	Cooldown           time.Duration
	FailureRatePct     int
	MinRequests        int64
	DistressFailures   int64
	BackoffSchedule    []time.Duration
	DisableBackoffWait bool // tests only: skip the inter-attempt sleeps
}

// Metrics is a point-in-time snapshot of circuit counters.
type Metrics struct {
	State       State   `json:"state"`
	Requests    int64   `json:"requests"`
	Failures    int64   `json:"failures"`
	Successes   int64   `json:"successes"`
	Timeouts    int64   `json:"timeouts"`
	Rejected    int64   `json:"rejected"`
	FailureRate float64 `json:"failure_rate"`
}

// Breaker wraps backend calls with retry, a per-attempt timeout, and
// failure-rate-based short-circuiting. One long-lived Breaker is shared by
// all sessions; construct it once and inject it.
type Breaker struct {
	name             string
	attemptTimeout   time.Duration
	cooldown         time.Duration
	failureRatePct   int
	minRequests      int64
	distressFailures int64
	backoff          []time.Duration
	skipBackoff      bool

	mu               sync.Mutex
	state            State
	requests         int64
	failures         int64
	successes        int64
	timeouts         int64
	rejected         int64
	distressCount    int64
	halfOpenTimer    *time.Timer
	generation       uint64
	lastStateChange  time.Time
	onStateChange    func(from, to State)
}

func New(cfg Config) *Breaker {
	b := &Breaker{
		name:             cfg.Name,
		attemptTimeout:   cfg.AttemptTimeout,
		cooldown:         cfg.Cooldown,
		failureRatePct:   cfg.FailureRatePct,
		minRequests:      cfg.MinRequests,
		distressFailures: cfg.DistressFailures,
		backoff:          cfg.BackoffSchedule,
		skipBackoff:      cfg.DisableBackoffWait,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
	if b.name == "" {
		b.name = "backend"
	}
	if b.attemptTimeout <= 0 {
		b.attemptTimeout = 30 * time.Second
	}
	if b.cooldown <= 0 {
		b.cooldown = 45 * time.Second
	}
	if b.failureRatePct <= 0 {
		b.failureRatePct = 50
	}
	if b.minRequests <= 0 {
		b.minRequests = 5
	}
	if b.distressFailures <= 0 {
		b.distressFailures = 3
	}
	if len(b.backoff) == 0 {
		b.backoff = reliability.RetrySchedule()
	}
	return b
}

// SetStateChangeHook registers a callback invoked after every transition.
func (b *Breaker) SetStateChangeHook(hook func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = hook
}

// Execute runs op under the retry schedule, failing fast while open. The
// schedule length bounds total attempts; each attempt races the configured
// timeout. The last error is returned once attempts are exhausted.
func (b *Breaker) Execute(ctx context.Context, op Operation) (string, error) {
	b.mu.Lock()
	if b.state == StateOpen {
		b.rejected++
		b.mu.Unlock()
		return "", ErrOpen
	}
	halfOpen := b.state == StateHalfOpen
	b.requests++
	b.mu.Unlock()

	// One initial call plus one retry per backoff entry, so every delay in
	// the schedule gets used before the call is declared failed.
	attempts := len(b.backoff) + 1
	if halfOpen {
		// A half-open probe is a single shot: one failure re-opens, retrying
		// the probe would just hammer a recovering backend.
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !b.skipBackoff {
			timer := time.NewTimer(b.backoff[attempt-1])
			select {
			case <-ctx.Done():
				// Caller cancellation (e.g. barge-in) is not backend failure.
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		result, err := b.attempt(ctx, op)
		if err == nil {
			b.recordSuccess()
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return "", err
		}
	}

	b.recordFailure(lastErr)
	return "", lastErr
}

func (b *Breaker) attempt(ctx context.Context, op Operation) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			b.countTimeout()
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		// The in-flight call keeps running; its result is discarded. The
		// timeout is the real interruption mechanism here.
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			b.countTimeout()
		}
		return "", attemptCtx.Err()
	}
}

// IsOpen reports whether calls currently fail fast.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

// CurrentState returns the circuit position.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	rate := 0.0
	if b.requests > 0 {
		rate = float64(b.failures) / float64(b.requests)
	}
	return Metrics{
		State:       b.state,
		Requests:    b.requests,
		Failures:    b.failures,
		Successes:   b.successes,
		Timeouts:    b.timeouts,
		Rejected:    b.rejected,
		FailureRate: rate,
	}
}

// Reset closes the circuit and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.generation++
	prev := b.state
	b.state = StateClosed
	b.requests = 0
	b.failures = 0
	b.successes = 0
	b.timeouts = 0
	b.rejected = 0
	b.distressCount = 0
	b.lastStateChange = time.Now()
	b.notifyLocked(prev, StateClosed)
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	if b.state == StateHalfOpen {
		b.transitionLocked(StateClosed)
		b.distressCount = 0
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if reliability.IsBackendDistress(err) {
		b.distressCount++
	}

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.shouldOpenLocked() {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *Breaker) countTimeout() {
	b.mu.Lock()
	b.timeouts++
	b.mu.Unlock()
}

// shouldOpenLocked applies the two opening conditions: statistical failure
// rate over a minimum sample, or a small number of clear distress failures
// which fast-opens on an obvious outage.
func (b *Breaker) shouldOpenLocked() bool {
	if b.distressCount >= b.distressFailures {
		return true
	}
	if b.requests < b.minRequests {
		return false
	}
	return b.failures*100 >= b.requests*int64(b.failureRatePct)
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = time.Now()
	log.Printf("circuit %s: %s -> %s (requests=%d failures=%d distress=%d)",
		b.name, from, to, b.requests, b.failures, b.distressCount)

	if to == StateOpen {
		b.scheduleHalfOpenLocked()
	} else {
		b.stopTimerLocked()
	}
	b.notifyLocked(from, to)
}

// scheduleHalfOpenLocked arms the cooldown timer. The OPEN -> HALF_OPEN
// transition is timer-driven, not probed by rejected calls.
func (b *Breaker) scheduleHalfOpenLocked() {
	b.stopTimerLocked()
	b.generation++
	gen := b.generation
	b.halfOpenTimer = time.AfterFunc(b.cooldown, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.generation != gen || b.state != StateOpen {
			return
		}
		b.transitionLocked(StateHalfOpen)
	})
}

func (b *Breaker) stopTimerLocked() {
	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
		b.halfOpenTimer = nil
	}
}

func (b *Breaker) notifyLocked(from, to State) {
	if b.onStateChange == nil || from == to {
		return
	}
	hook := b.onStateChange
	go hook(from, to)
}
