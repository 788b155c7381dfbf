package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsBackendDistress(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"status 429", &StatusError{Status: 429, Message: "too many requests"}, true},
		{"status 503", &StatusError{Status: 503, Message: "unavailable"}, true},
		{"status 400", &StatusError{Status: 400, Message: "bad request"}, false},
		{"quota keyword", errors.New("monthly quota exhausted"), true},
		{"rate limit keyword", errors.New("Rate limit hit, slow down"), true},
		{"timeout keyword", errors.New("upstream timeout talking to model"), true},
		{"plain failure", errors.New("schema mismatch"), false},
	}
	for _, tc := range cases {
		if got := IsBackendDistress(tc.err); got != tc.want {
			t.Fatalf("%s: IsBackendDistress() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, cap); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 = %v, want cap %v", got, cap)
	}
}

func TestRetryScheduleShape(t *testing.T) {
	sched := RetrySchedule()
	want := []time.Duration{250, 500, 1000, 2000}
	if len(sched) != len(want) {
		t.Fatalf("len = %d, want %d", len(sched), len(want))
	}
	for i, ms := range want {
		if sched[i] != ms*time.Millisecond {
			t.Fatalf("sched[%d] = %v, want %dms", i, sched[i], ms)
		}
	}
}
