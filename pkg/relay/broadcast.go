package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PlayibleClub/playible-near-relayer/pkg/classifier"
	"github.com/PlayibleClub/playible-near-relayer/pkg/observability"
	"github.com/PlayibleClub/playible-near-relayer/pkg/retry"
	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

// State is the broadcast state machine's terminal state.
type State int

const (
	Committed State = iota + 1
	Failed
)

func (s State) String() string {
	switch s {
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "submitting"
	}
}

// Outcome is the terminal value of one broadcast.
type Outcome struct {
	State    State
	Attempts int
	// Result is set when State is Committed.
	Result *rpc.FinalExecutionOutcome
	// Reason and Err are set when State is Failed.
	Reason string
	Err    error
}

// Engine submits one signed carrier until it commits, the classifier calls
// it fatal, the retry policy runs out, or the context ends.
type Engine struct {
	ledger     Ledger
	classifier Classifier
	nonces     NonceAssigner
	policy     retry.BackoffPolicy
	obs        *observability.Provider
	logger     *slog.Logger
}

// NewEngine creates an Engine. nonces may be nil; when set, ledger nonce
// rejections mark it stale.
func NewEngine(ledger Ledger, c Classifier, nonces NonceAssigner, policy retry.BackoffPolicy, obs *observability.Provider, logger *slog.Logger) *Engine {
	if obs == nil {
		obs = observability.Noop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:     ledger,
		classifier: c,
		nonces:     nonces,
		policy:     policy,
		obs:        obs,
		logger:     logger.With("component", "broadcast"),
	}
}

// Broadcast never re-signs: every attempt submits sc.Raw unchanged.
func (e *Engine) Broadcast(ctx context.Context, sc *SignedCarrier) Outcome {
	txHash := sc.Hash.String()
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return failed(attempts, classifier.ReasonAbandoned, err)
		}

		attempts++
		result, err := e.ledger.BroadcastTxCommit(ctx, sc.Raw)
		if err == nil {
			e.obs.RecordBroadcastAttempt(ctx, "committed")
			return Outcome{State: Committed, Attempts: attempts, Result: result}
		}

		// abandonment is decided by the request context, not the error text
		if ctx.Err() != nil {
			e.obs.RecordBroadcastAttempt(ctx, classifier.Fatal.String())
			return failed(attempts, classifier.ReasonAbandoned, err)
		}

		d := e.classifier.Classify(err)
		e.obs.RecordBroadcastAttempt(ctx, d.Verdict.String())

		if d.Verdict == classifier.Fatal {
			if d.ResyncNonce && e.nonces != nil {
				e.nonces.MarkStale(d.LedgerNonce)
			}
			return failed(attempts, d.Reason, err)
		}

		if e.policy.Exhausted(attempts) {
			return failed(attempts, fmt.Sprintf("retries exhausted after %d attempts: %s", attempts, d.Reason), err)
		}

		delay := retry.ComputeBackoff(retry.BackoffParams{
			PolicyID:     e.policy.PolicyID,
			TxHash:       txHash,
			AttemptIndex: attempts,
		}, e.policy)
		e.logger.WarnContext(ctx, "broadcast failed, resubmitting",
			"tx_hash", txHash,
			"attempt", attempts,
			"delay_ms", delay.Milliseconds(),
			"reason", d.Reason,
		)

		if err := wait(ctx, delay); err != nil {
			return failed(attempts, classifier.ReasonAbandoned, err)
		}
	}
}

func failed(attempts int, reason string, err error) Outcome {
	return Outcome{State: Failed, Attempts: attempts, Reason: reason, Err: err}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
