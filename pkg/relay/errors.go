package relay

import (
	"errors"
	"fmt"
)

// DecodeError is a malformed or structurally invalid request body.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error deserializing payload data object: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PolicyError is a delegate action refused by admission policy. Err is set
// when a rule could not be evaluated at all.
type PolicyError struct {
	Rule string
	Err  error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admission policy failed: %v", e.Err)
	}
	return fmt.Sprintf("delegate action rejected by policy %q", e.Rule)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// AssemblyError covers a failed finalized block lookup or an action that
// cannot be carried.
type AssemblyError struct {
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("error assembling carrier transaction: %v", e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// SigningError is a failure to assign a nonce or sign the carrier.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("error signing carrier transaction: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// BroadcastError is a broadcast that ended Failed.
type BroadcastError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("error sending transaction to RPC: %s", e.Reason)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// ErrNotCommitted is returned for an outcome that carries no result.
var ErrNotCommitted = errors.New("transaction not committed")
