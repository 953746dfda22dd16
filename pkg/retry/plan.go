package retry

import "time"

type Schedule struct {
	AttemptIndex int           `json:"attempt_index"`
	Delay        time.Duration `json:"delay"`
	// Elapsed is the cumulative wait before this attempt.
	Elapsed time.Duration `json:"elapsed"`
}

// Plan lays out the wait before every submission allowed by policy. The
// first submission never waits. An unbounded policy yields an empty plan.
func Plan(params BackoffParams, policy BackoffPolicy) []Schedule {
	if policy.MaxAttempts <= 0 {
		return nil
	}
	schedule := make([]Schedule, policy.MaxAttempts)
	var elapsed time.Duration
	for i := 0; i < policy.MaxAttempts; i++ {
		var delay time.Duration
		if i > 0 {
			p := params
			p.AttemptIndex = i
			delay = ComputeBackoff(p, policy)
		}
		elapsed += delay
		schedule[i] = Schedule{AttemptIndex: i + 1, Delay: delay, Elapsed: elapsed}
	}
	return schedule
}

// Budget is the total time a fully exhausted policy spends waiting.
func Budget(policy BackoffPolicy) time.Duration {
	plan := Plan(BackoffParams{PolicyID: policy.PolicyID}, policy)
	if len(plan) == 0 {
		return 0
	}
	return plan[len(plan)-1].Elapsed
}
