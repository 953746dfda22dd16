//go:build property
// +build property

package nonce_test

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/nonce"
)

type staticLedger uint64

func (l staticLedger) AccessKeyNonce(context.Context, near.AccountID, near.PublicKey) (uint64, error) {
	return uint64(l), nil
}

// TestNonceMonotonic verifies N concurrent assignments are distinct and
// strictly increasing in assignment order, and above the ledger nonce.
func TestNonceMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	key := near.PublicKey{Type: near.KeyTypeED25519, Data: make([]byte, near.ED25519PublicKeySize)}

	properties.Property("assigned nonces strictly increase", prop.ForAll(
		func(workers int, ledgerNonce uint32) bool {
			m := nonce.NewManager(nonce.NewMemoryStore(), staticLedger(ledgerNonce), "relayer.testnet", key, nil)

			var (
				mu    sync.Mutex
				order []uint64
				wg    sync.WaitGroup
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = m.WithNext(context.Background(), func(n uint64) error {
						mu.Lock()
						order = append(order, n)
						mu.Unlock()
						return nil
					})
				}()
			}
			wg.Wait()

			if len(order) != workers {
				return false
			}
			prev := uint64(ledgerNonce)
			for _, n := range order {
				if n <= prev {
					return false
				}
				prev = n
			}
			return true
		},
		gen.IntRange(1, 64),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
