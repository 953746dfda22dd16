// Package nonce assigns carrier transaction nonces for the relayer's access
// key. Every nonce handed out is strictly greater than all earlier ones and
// than the ledger's view of the key.
package nonce

import (
	"context"
	"sync"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// Store is the counter behind a Manager.
type Store interface {
	// Next returns a nonce greater than every nonce returned or observed before.
	Next(ctx context.Context) (uint64, error)
	// Observe raises the floor so the following Next returns more than floor.
	Observe(ctx context.Context, floor uint64) error
}

// KeyID names the counter of one access key.
func KeyID(account near.AccountID, key near.PublicKey) string {
	return account.String() + ":" + key.String()
}

// MemoryStore keeps the counter in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	last uint64
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Next(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last, nil
}

func (s *MemoryStore) Observe(_ context.Context, floor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if floor > s.last {
		s.last = floor
	}
	return nil
}
