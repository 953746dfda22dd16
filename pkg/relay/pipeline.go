// Package relay is the meta-transaction pipeline: decode the user's signed
// delegate action, wrap it in a carrier transaction signed by the relayer,
// broadcast it with retries and map the terminal value to a response.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/observability"
	"github.com/PlayibleClub/playible-near-relayer/pkg/retry"
)

// Options wires a Pipeline. Ledger, Signer, Nonces and Classifier are
// required.
type Options struct {
	Ledger     Ledger
	Signer     Signer
	Nonces     NonceAssigner
	Classifier Classifier
	// Policy is optional; nil admits everything.
	Policy Policy
	Retry  retry.BackoffPolicy
	// RequestTimeout bounds one request end to end. Zero means no deadline
	// beyond the caller's context.
	RequestTimeout time.Duration
	Observability  *observability.Provider
	Logger         *slog.Logger
}

// Result is a committed relay.
type Result struct {
	DelegateAction *near.DelegateAction
	Carrier        *SignedCarrier
	Outcome        Outcome
}

// Pipeline is immutable after New and safe for concurrent use.
type Pipeline struct {
	ledger    Ledger
	policy    Policy
	assembler *Assembler
	gateway   *Gateway
	engine    *Engine
	timeout   time.Duration
	obs       *observability.Provider
	logger    *slog.Logger
}

func New(opts Options) (*Pipeline, error) {
	if opts.Ledger == nil || opts.Signer == nil || opts.Nonces == nil || opts.Classifier == nil {
		return nil, errors.New("relay: ledger, signer, nonces and classifier are required")
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	obs := opts.Observability
	if obs == nil {
		obs = observability.Noop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ledger:    opts.Ledger,
		policy:    opts.Policy,
		assembler: NewAssembler(opts.Signer.AccountID()),
		gateway:   NewGateway(opts.Signer, opts.Nonces),
		engine:    NewEngine(opts.Ledger, opts.Classifier, opts.Nonces, opts.Retry, obs, logger),
		timeout:   opts.RequestTimeout,
		obs:       obs,
		logger:    logger.With("component", "relay"),
	}, nil
}

// Relay runs one request through every stage. The error is one of
// *DecodeError, *PolicyError, *AssemblyError, *SigningError or
// *BroadcastError.
func (p *Pipeline) Relay(ctx context.Context, body []byte) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err := p.run(ctx, body)
	p.record(ctx, res, err)
	return res, err
}

// Handle is Relay followed by Respond.
func (p *Pipeline) Handle(ctx context.Context, body []byte) Response {
	return Respond(p.Relay(ctx, body))
}

func (p *Pipeline) run(ctx context.Context, body []byte) (*Result, error) {
	sctx, done := p.obs.TrackOperation(ctx, "relay.decode", attribute.Int("body.size", len(body)))
	sda, err := Decode(body)
	done(err)
	if err != nil {
		return nil, err
	}
	da := &sda.DelegateAction

	if p.policy != nil {
		sctx, done = p.obs.TrackOperation(ctx, "relay.policy")
		decision, err := p.policy.Evaluate(sctx, da)
		switch {
		case err != nil:
			err = &PolicyError{Err: err}
		case !decision.Allowed:
			err = &PolicyError{Rule: decision.Rule}
		}
		done(err)
		if err != nil {
			return &Result{DelegateAction: da}, err
		}
	}

	sctx, done = p.obs.TrackOperation(ctx, "relay.assemble")
	tx, err := p.assemble(sctx, da)
	done(err)
	if err != nil {
		return &Result{DelegateAction: da}, err
	}

	sctx, done = p.obs.TrackOperation(ctx, "relay.sign")
	carrier, err := p.gateway.Sign(sctx, tx)
	done(err)
	if err != nil {
		return &Result{DelegateAction: da}, err
	}

	sctx, done = p.obs.TrackOperation(ctx, "relay.broadcast", attribute.String("tx.hash", carrier.Hash.String()))
	outcome := p.engine.Broadcast(sctx, carrier)
	res := &Result{DelegateAction: da, Carrier: carrier, Outcome: outcome}
	if outcome.State != Committed {
		err = &BroadcastError{Reason: outcome.Reason, Attempts: outcome.Attempts, Err: outcome.Err}
	}
	done(err)
	return res, err
}

// assemble reads the finalized block immediately before building the carrier.
func (p *Pipeline) assemble(ctx context.Context, da *near.DelegateAction) (*near.Transaction, error) {
	block, err := p.ledger.FinalizedBlockHash(ctx)
	if err != nil {
		return nil, &AssemblyError{Err: fmt.Errorf("fetch finalized block: %w", err)}
	}
	return p.assembler.Assemble(da, block.Hash)
}

func (p *Pipeline) record(ctx context.Context, res *Result, err error) {
	attrs := []any{}
	if res != nil && res.DelegateAction != nil {
		attrs = append(attrs,
			"sender_id", res.DelegateAction.SenderID.String(),
			"receiver_id", res.DelegateAction.ReceiverID.String(),
			"actions", len(res.DelegateAction.Actions),
		)
	}
	if res != nil && res.Carrier != nil {
		attrs = append(attrs, "tx_hash", res.Carrier.Hash.String(), "nonce", res.Carrier.Nonce, "attempts", res.Outcome.Attempts)
	}

	var (
		decodeErr    *DecodeError
		policyErr    *PolicyError
		assemblyErr  *AssemblyError
		signingErr   *SigningError
		broadcastErr *BroadcastError
	)
	outcome := "committed"
	switch {
	case err == nil:
		if failure, ok := executionFailure(res); ok {
			// committed, but the receiver's execution failed on chain
			outcome = "execution_failed"
			p.logger.WarnContext(ctx, "carrier transaction committed with execution failure", append(attrs, "failure", string(failure))...)
			break
		}
		p.logger.InfoContext(ctx, "carrier transaction committed", attrs...)
	case errors.As(err, &decodeErr):
		outcome = "decode_error"
		p.logger.WarnContext(ctx, "rejected undecodable payload", append(attrs, "error", err)...)
	case errors.As(err, &policyErr):
		outcome = "policy_rejected"
		p.logger.WarnContext(ctx, "delegate action refused by policy", append(attrs, "rule", policyErr.Rule, "error", err)...)
	case errors.As(err, &assemblyErr):
		outcome = "assembly_error"
		p.logger.ErrorContext(ctx, "carrier assembly failed", append(attrs, "error", err)...)
	case errors.As(err, &signingErr):
		outcome = "signing_error"
		p.logger.ErrorContext(ctx, "carrier signing failed", append(attrs, "error", err)...)
	case errors.As(err, &broadcastErr):
		outcome = "broadcast_failed"
		p.logger.ErrorContext(ctx, "carrier broadcast failed", append(attrs, "reason", broadcastErr.Reason, "error", broadcastErr.Err)...)
	default:
		outcome = "error"
		p.logger.ErrorContext(ctx, "relay failed", append(attrs, "error", err)...)
	}
	p.obs.RecordRelay(ctx, outcome)
}

func executionFailure(res *Result) (json.RawMessage, bool) {
	if res == nil || res.Outcome.Result == nil {
		return nil, false
	}
	return res.Outcome.Result.Failure()
}
