package relay

import (
	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// Decode parses a borsh SignedDelegateAction. It has no side effects and
// returns nothing but a *DecodeError on failure.
func Decode(body []byte) (*near.SignedDelegateAction, error) {
	sda, err := near.UnmarshalSignedDelegateAction(body)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return sda, nil
}
