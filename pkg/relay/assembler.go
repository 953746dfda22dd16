package relay

import (
	"fmt"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// Assembler builds carrier transactions for one relayer account.
type Assembler struct {
	relayer near.AccountID
}

func NewAssembler(relayer near.AccountID) *Assembler {
	return &Assembler{relayer: relayer}
}

// Assemble wraps da in a carrier transaction bound to block. The signer is
// always the relayer and the receiver is always the delegate's sender. The
// nonce is left zero; the signing gateway assigns it.
func (a *Assembler) Assemble(da *near.DelegateAction, block near.CryptoHash) (*near.Transaction, error) {
	if block.IsZero() {
		return nil, &AssemblyError{Err: fmt.Errorf("finalized block hash is empty")}
	}
	if err := a.relayer.Validate(); err != nil {
		return nil, &AssemblyError{Err: fmt.Errorf("relayer account: %w", err)}
	}

	actions := make([]near.Action, 0, len(da.Actions))
	for i, nda := range da.Actions {
		action, err := nda.ToAction()
		if err != nil {
			return nil, &AssemblyError{Err: fmt.Errorf("actions[%d]: %w", i, err)}
		}
		actions = append(actions, action)
	}

	return &near.Transaction{
		SignerID:   a.relayer,
		PublicKey:  da.PublicKey,
		ReceiverID: da.SenderID,
		BlockHash:  block,
		Actions:    actions,
	}, nil
}
