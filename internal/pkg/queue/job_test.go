package queue

import (
	"testing"
	"time"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed first", RetryPolicy{Backoff: BackoffFixed, Delay: time.Minute}, 1, time.Minute},
		{"fixed later", RetryPolicy{Backoff: BackoffFixed, Delay: time.Minute}, 4, time.Minute},
		{"exponential first", RetryPolicy{Backoff: BackoffExponential, Delay: 5 * time.Minute}, 1, 5 * time.Minute},
		{"exponential second", RetryPolicy{Backoff: BackoffExponential, Delay: 5 * time.Minute}, 2, 10 * time.Minute},
		{"exponential fourth", RetryPolicy{Backoff: BackoffExponential, Delay: 5 * time.Minute}, 4, 40 * time.Minute},
		{"zero delay", RetryPolicy{Backoff: BackoffExponential}, 3, 0},
		{"unset backoff acts fixed", RetryPolicy{Delay: time.Second}, 3, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.NextDelay(tt.attempt); got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}
