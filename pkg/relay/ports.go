package relay

import (
	"context"

	"github.com/PlayibleClub/playible-near-relayer/pkg/classifier"
	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/policy"
	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

// Ledger is the part of the NEAR RPC client the pipeline uses.
type Ledger interface {
	FinalizedBlockHash(ctx context.Context) (rpc.FinalizedBlock, error)
	BroadcastTxCommit(ctx context.Context, signed []byte) (*rpc.FinalExecutionOutcome, error)
}

// Signer signs carrier transactions as the relayer identity.
type Signer interface {
	AccountID() near.AccountID
	SignTransaction(tx *near.Transaction) (*near.SignedTransaction, near.CryptoHash, error)
}

// NonceAssigner hands out relayer nonces one caller at a time.
type NonceAssigner interface {
	WithNext(ctx context.Context, fn func(nonce uint64) error) (uint64, error)
	MarkStale(ledgerNonce uint64)
}

type Classifier interface {
	Classify(err error) classifier.Decision
}

type Policy interface {
	Evaluate(ctx context.Context, da *near.DelegateAction) (policy.Decision, error)
}
