// Package retry computes broadcast backoff delays: exponential growth from a
// base, capped, plus jitter derived deterministically from the transaction
// being retried.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one wait between submissions.
type BackoffParams struct {
	PolicyID string
	// TxHash is the base58 hash of the signed carrier transaction.
	TxHash string
	// AttemptIndex is the number of submissions already made (>= 1).
	AttemptIndex int
}

type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	// MaxAttempts bounds total submissions; zero means unbounded.
	MaxAttempts int
}

// DefaultPolicy resubmits every 100ms for at most 30 submissions.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		PolicyID:    "broadcast",
		BaseMs:      100,
		MaxMs:       100,
		MaxJitterMs: 0,
		MaxAttempts: 30,
	}
}

// Validate rejects policies that cannot produce a sane schedule.
func (p BackoffPolicy) Validate() error {
	if p.BaseMs < 0 || p.MaxMs < 0 || p.MaxJitterMs < 0 {
		return fmt.Errorf("retry policy %q: durations must not be negative", p.PolicyID)
	}
	if p.MaxMs < p.BaseMs {
		return fmt.Errorf("retry policy %q: max_ms %d below base_ms %d", p.PolicyID, p.MaxMs, p.BaseMs)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry policy %q: max_attempts must not be negative", p.PolicyID)
	}
	return nil
}

// Exhausted reports whether no further submission is allowed after attempts.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ComputeBackoff returns the delay after the given attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^(attempt-1), capped
	exp := params.AttemptIndex - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := policy.BaseMs << exp
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(delay+jitter) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.TxHash, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
