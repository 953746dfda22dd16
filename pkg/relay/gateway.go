package relay

import (
	"context"
	"fmt"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// SignedCarrier is a signed carrier transaction and its wire bytes. Raw is
// what every broadcast attempt submits.
type SignedCarrier struct {
	Tx    *near.SignedTransaction
	Hash  near.CryptoHash
	Raw   []byte
	Nonce uint64
}

// Gateway assigns the relayer nonce and signs inside one critical section.
type Gateway struct {
	signer Signer
	nonces NonceAssigner
}

func NewGateway(signer Signer, nonces NonceAssigner) *Gateway {
	return &Gateway{signer: signer, nonces: nonces}
}

// Sign returns a *SigningError on any failure. tx is not modified.
func (g *Gateway) Sign(ctx context.Context, tx *near.Transaction) (*SignedCarrier, error) {
	if tx.SignerID != g.signer.AccountID() {
		return nil, &SigningError{Err: fmt.Errorf("carrier signer %s is not the relayer %s", tx.SignerID, g.signer.AccountID())}
	}

	var out *SignedCarrier
	_, err := g.nonces.WithNext(ctx, func(nonce uint64) error {
		carrier := *tx
		carrier.Nonce = nonce
		signed, hash, err := g.signer.SignTransaction(&carrier)
		if err != nil {
			return err
		}
		raw, err := near.MarshalSignedTransaction(signed)
		if err != nil {
			return fmt.Errorf("encode signed transaction: %w", err)
		}
		out = &SignedCarrier{Tx: signed, Hash: hash, Raw: raw, Nonce: nonce}
		return nil
	})
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	return out, nil
}
