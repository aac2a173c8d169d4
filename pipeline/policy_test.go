package pipeline

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{name: "single attempt", policy: RetryPolicy{MaxAttempts: 1}},
		{name: "typical", policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}},
		{name: "no cap", policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}},
		{name: "zero attempts", policy: RetryPolicy{MaxAttempts: 0}, wantErr: true},
		{name: "negative base", policy: RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, wantErr: true},
		{name: "cap below base", policy: RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second
	rng := rand.New(rand.NewSource(42))

	tests := []struct {
		retry int
		min   time.Duration
	}{
		{retry: 0, min: 100 * time.Millisecond},
		{retry: 1, min: 200 * time.Millisecond},
		{retry: 2, min: 400 * time.Millisecond},
		{retry: 3, min: 800 * time.Millisecond},
		{retry: 4, min: time.Second},
		{retry: 60, min: time.Second},
	}

	for _, tt := range tests {
		got := computeBackoff(tt.retry, base, maxDelay, rng)
		if got < tt.min || got >= tt.min+base {
			t.Errorf("retry %d: expected delay in [%v, %v), got %v", tt.retry, tt.min, tt.min+base, got)
		}
	}

	if got := computeBackoff(3, 0, maxDelay, rng); got != 0 {
		t.Errorf("expected zero delay for zero base, got %v", got)
	}
}

func TestComputeBackoff_Deterministic(t *testing.T) {
	a := computeBackoff(2, time.Second, time.Minute, rand.New(rand.NewSource(7)))
	b := computeBackoff(2, time.Second, time.Minute, rand.New(rand.NewSource(7)))
	if a != b {
		t.Errorf("expected identical delays for identical seeds, got %v and %v", a, b)
	}
}

func TestGetStageTimeout(t *testing.T) {
	tests := []struct {
		name   string
		policy *StagePolicy
		def    time.Duration
		want   time.Duration
	}{
		{name: "nothing set", want: 0},
		{name: "default only", def: time.Minute, want: time.Minute},
		{name: "policy wins", policy: &StagePolicy{Timeout: time.Second}, def: time.Minute, want: time.Second},
		{name: "zero policy falls back", policy: &StagePolicy{}, def: time.Minute, want: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStageTimeout(tt.policy, tt.def); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
