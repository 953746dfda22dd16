//go:build property
// +build property

package near_test

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

func buildDelegate(nonce, height, deposit uint64, method string, args []byte) *near.SignedDelegateAction {
	return &near.SignedDelegateAction{
		DelegateAction: near.DelegateAction{
			SenderID:   "sender.testnet",
			ReceiverID: "receiver.testnet",
			Actions: []near.NonDelegateAction{
				near.MustNonDelegate(near.Transfer{Deposit: near.NewBalance(deposit)}),
				near.MustNonDelegate(near.FunctionCall{MethodName: method, Args: args, Gas: nonce, Deposit: near.Balance{Hi: height, Lo: deposit}}),
			},
			Nonce:          nonce,
			MaxBlockHeight: height,
			PublicKey:      near.PublicKey{Type: near.KeyTypeED25519, Data: bytes.Repeat([]byte{1}, near.ED25519PublicKeySize)},
		},
		Signature: near.Signature{Type: near.KeyTypeED25519, Data: bytes.Repeat([]byte{2}, near.ED25519SignatureSize)},
	}
}

// TestSignedDelegateActionRoundTrip verifies decode(encode(x)) re-encodes to the same bytes.
// Property: Marshal(Unmarshal(Marshal(x))) == Marshal(x)
func TestSignedDelegateActionRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding is stable across a decode", prop.ForAll(
		func(nonce, height, deposit uint64, method string, args []byte) bool {
			raw, err := near.MarshalSignedDelegateAction(buildDelegate(nonce, height, deposit, method, args))
			if err != nil {
				return false
			}
			decoded, err := near.UnmarshalSignedDelegateAction(raw)
			if err != nil {
				return false
			}
			again, err := near.MarshalSignedDelegateAction(decoded)
			return err == nil && bytes.Equal(raw, again)
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt64(),
		gen.AlphaString(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestDecodeNeverAcceptsPrefix verifies that no strict prefix of a valid
// message decodes successfully.
func TestDecodeNeverAcceptsPrefix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	raw, err := near.MarshalSignedDelegateAction(buildDelegate(1, 100, 1, "mint", []byte("{}")))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	properties.Property("truncated input is rejected", prop.ForAll(
		func(cut int) bool {
			_, err := near.UnmarshalSignedDelegateAction(raw[:cut])
			return err != nil
		},
		gen.IntRange(0, len(raw)-1),
	))

	properties.Property("arbitrary bytes never panic", prop.ForAll(
		func(b []byte) bool {
			_, _ = near.UnmarshalSignedDelegateAction(b)
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
