// Package classifier decides whether a failed broadcast is worth
// resubmitting unchanged or must end the request.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

// Verdict is the classifier's answer.
type Verdict int

const (
	Retry Verdict = iota
	Fatal
)

func (v Verdict) String() string {
	if v == Retry {
		return "retry"
	}
	return "fatal"
}

// Decision is Retry or Fatal(Reason). ResyncNonce is set when the ledger
// rejected the nonce and the nonce store should be resynchronized.
type Decision struct {
	Verdict     Verdict
	Reason      string
	ResyncNonce bool
	// LedgerNonce is the access key nonce reported with an InvalidNonce error.
	LedgerNonce uint64
}

func retry(reason string) Decision { return Decision{Verdict: Retry, Reason: reason} }
func fatal(reason string) Decision { return Decision{Verdict: Fatal, Reason: reason} }

// ReasonAbandoned is the reason for requests canceled or timed out by the caller.
const ReasonAbandoned = "request abandoned"

// Classifier maps ledger client errors to decisions.
type Classifier struct{}

// New returns the NEAR RPC classifier.
func New() *Classifier { return &Classifier{} }

// Classify decides what to do with err.
func (Classifier) Classify(err error) Decision {
	if err == nil {
		return fatal("no error to classify")
	}
	// An http.Client timeout also matches context.DeadlineExceeded, so a
	// deadline inside a transport error is the RPC call's own timeout. The
	// caller checks its request context before classifying.
	var transportErr *rpc.TransportError
	isTransport := errors.As(err, &transportErr)
	if errors.Is(err, context.Canceled) || (!isTransport && errors.Is(err, context.DeadlineExceeded)) {
		return fatal(ReasonAbandoned)
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr)
	}

	var statusErr *rpc.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return retry(statusErr.Error())
		default:
			return fatal(statusErr.Error())
		}
	}

	if isTransport {
		return retry(transportErr.Error())
	}

	return fatal(err.Error())
}

func classifyRPC(e *rpc.Error) Decision {
	switch e.Name {
	case "INTERNAL_ERROR":
		return retry(e.Error())
	case "REQUEST_VALIDATION_ERROR":
		return fatal(fmt.Sprintf("request validation error: %s", e.Error()))
	case "HANDLER_ERROR":
		switch e.Cause.Name {
		case "TIMEOUT_ERROR":
			return retry(e.Error())
		case "INVALID_TRANSACTION":
			d := fatal(fmt.Sprintf("invalid transaction: %s", e.Error()))
			if n, ok := e.InvalidNonce(); ok {
				d.ResyncNonce = true
				d.LedgerNonce = n
			}
			return d
		}
	}
	return fatal(e.Error())
}
