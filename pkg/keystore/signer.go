package keystore

import (
	"crypto/ed25519"
	"fmt"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// Ed25519Signer signs carrier transactions for one relayer account.
type Ed25519Signer struct {
	account near.AccountID
	privKey ed25519.PrivateKey
	pubKey  near.PublicKey
}

func NewEd25519Signer(account near.AccountID, priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		account: account,
		privKey: priv,
		pubKey:  near.PublicKey{Type: near.KeyTypeED25519, Data: append([]byte(nil), pub...)},
	}
}

func (s *Ed25519Signer) AccountID() near.AccountID { return s.account }

// PublicKey is the relayer's own access key.
func (s *Ed25519Signer) PublicKey() near.PublicKey { return s.pubKey }

// SignTransaction signs SHA-256(borsh(tx)).
func (s *Ed25519Signer) SignTransaction(tx *near.Transaction) (*near.SignedTransaction, near.CryptoHash, error) {
	hash, err := tx.Hash()
	if err != nil {
		return nil, near.CryptoHash{}, fmt.Errorf("hash transaction: %w", err)
	}
	sig := ed25519.Sign(s.privKey, hash[:])
	return &near.SignedTransaction{
		Transaction: *tx,
		Signature:   near.Signature{Type: near.KeyTypeED25519, Data: sig},
	}, hash, nil
}

// Verify checks an ed25519 signature over message by the relayer key.
func (s *Ed25519Signer) Verify(message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(s.pubKey.Data), message, signature)
}
