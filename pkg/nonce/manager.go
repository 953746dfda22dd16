package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

// Ledger reports the nonce the ledger holds for an access key.
type Ledger interface {
	AccessKeyNonce(ctx context.Context, account near.AccountID, key near.PublicKey) (uint64, error)
}

// Manager serializes nonce assignment and signing for one relayer key.
type Manager struct {
	sem     chan struct{}
	store   Store
	ledger  Ledger
	account near.AccountID
	key     near.PublicKey
	logger  *slog.Logger

	synced atomic.Bool
	stale  atomic.Bool
	// hint is a ledger nonce reported by a rejected broadcast.
	hint atomic.Uint64
}

func NewManager(store Store, ledger Ledger, account near.AccountID, key near.PublicKey, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sem:     make(chan struct{}, 1),
		store:   store,
		ledger:  ledger,
		account: account,
		key:     key,
		logger:  logger.With("component", "nonce", "account", account.String()),
	}
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() { <-m.sem }

// Sync raises the store above the nonce of the relayer's own access key.
// Carriers name the user's public key, so the ledger may check a different
// access key; MarkStale with the nonce it reports covers that case.
func (m *Manager) Sync(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	return m.syncLocked(ctx)
}

func (m *Manager) syncLocked(ctx context.Context) error {
	onChain, err := m.ledger.AccessKeyNonce(ctx, m.account, m.key)
	if err != nil {
		return fmt.Errorf("fetch access key nonce: %w", err)
	}
	floor := onChain
	if h := m.hint.Swap(0); h > floor {
		floor = h
	}
	if err := m.store.Observe(ctx, floor); err != nil {
		return err
	}
	m.stale.Store(false)
	m.synced.Store(true)
	m.logger.InfoContext(ctx, "nonce synchronized with ledger", "ledger_nonce", onChain, "floor", floor)
	return nil
}

// Synced reports whether at least one ledger sync succeeded.
func (m *Manager) Synced() bool { return m.synced.Load() }

// MarkStale forces a ledger sync before the next assignment. ledgerNonce,
// when non-zero, is used as an additional floor.
func (m *Manager) MarkStale(ledgerNonce uint64) {
	for {
		cur := m.hint.Load()
		if ledgerNonce <= cur || m.hint.CompareAndSwap(cur, ledgerNonce) {
			break
		}
	}
	m.stale.Store(true)
}

// WithNext assigns the next nonce and runs fn with it inside the critical
// section, so no two callers ever sign with the same or a lower nonce. A
// nonce whose fn fails is not reused.
func (m *Manager) WithNext(ctx context.Context, fn func(nonce uint64) error) (uint64, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock()

	if !m.synced.Load() || m.stale.Load() {
		if err := m.syncLocked(ctx); err != nil {
			return 0, err
		}
	}

	n, err := m.store.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("assign nonce: %w", err)
	}
	if err := fn(n); err != nil {
		return n, err
	}
	return n, nil
}
