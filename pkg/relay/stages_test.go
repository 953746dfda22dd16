package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlayibleClub/playible-near-relayer/pkg/classifier"
	"github.com/PlayibleClub/playible-near-relayer/pkg/keystore"
	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/retry"
	"github.com/PlayibleClub/playible-near-relayer/pkg/rpc"
)

func testDelegate() *near.DelegateAction {
	return &near.DelegateAction{
		SenderID:       senderID,
		ReceiverID:     gameID,
		Actions:        []near.NonDelegateAction{near.MustNonDelegate(near.CreateAccount{})},
		Nonce:          3,
		MaxBlockHeight: 99,
		PublicKey:      userKey,
	}
}

func TestAssembler(t *testing.T) {
	tx, err := NewAssembler(relayerID).Assemble(testDelegate(), testBlock)
	require.NoError(t, err)
	assert.Equal(t, relayerID, tx.SignerID)
	assert.Equal(t, senderID, tx.ReceiverID)
	assert.NotEqual(t, gameID, tx.ReceiverID)
	assert.Equal(t, userKey, tx.PublicKey)
	assert.Zero(t, tx.Nonce)
}

func TestAssembler_Rejects(t *testing.T) {
	_, err := NewAssembler(relayerID).Assemble(testDelegate(), near.CryptoHash{})
	var ae *AssemblyError
	assert.True(t, errors.As(err, &ae))

	da := testDelegate()
	da.Actions = append(da.Actions, near.NonDelegateAction{Action: near.Delegate{}})
	_, err = NewAssembler(relayerID).Assemble(da, testBlock)
	require.True(t, errors.As(err, &ae))
	assert.ErrorIs(t, err, near.ErrNestedDelegate)
}

type failingNonces struct{ err error }

func (f failingNonces) WithNext(context.Context, func(uint64) error) (uint64, error) {
	return 0, f.err
}
func (failingNonces) MarkStale(uint64) {}

type fixedNonces struct {
	next  uint64
	stale []uint64
}

func (f *fixedNonces) WithNext(_ context.Context, fn func(uint64) error) (uint64, error) {
	f.next++
	return f.next, fn(f.next)
}
func (f *fixedNonces) MarkStale(n uint64) { f.stale = append(f.stale, n) }

func TestGateway(t *testing.T) {
	signer := keystore.NewEd25519Signer(relayerID, ed25519.NewKeyFromSeed(relayerSeed))
	tx, err := NewAssembler(relayerID).Assemble(testDelegate(), testBlock)
	require.NoError(t, err)

	sc, err := NewGateway(signer, &fixedNonces{next: 41}).Sign(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sc.Nonce)
	assert.Equal(t, uint64(42), sc.Tx.Transaction.Nonce)
	assert.Zero(t, tx.Nonce, "input transaction is not modified")

	decoded, err := near.UnmarshalSignedTransaction(sc.Raw)
	require.NoError(t, err)
	assert.Equal(t, sc.Tx, decoded)
}

func TestGateway_Errors(t *testing.T) {
	signer := keystore.NewEd25519Signer(relayerID, ed25519.NewKeyFromSeed(relayerSeed))
	tx, err := NewAssembler(relayerID).Assemble(testDelegate(), testBlock)
	require.NoError(t, err)

	_, err = NewGateway(signer, failingNonces{err: errors.New("redis down")}).Sign(context.Background(), tx)
	var se *SigningError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "redis down")

	other := keystore.NewEd25519Signer("someone.testnet", ed25519.NewKeyFromSeed(relayerSeed))
	_, err = NewGateway(other, &fixedNonces{}).Sign(context.Background(), tx)
	assert.True(t, errors.As(err, &se))
}

type scriptedClassifier struct {
	decisions []classifier.Decision
	calls     int
}

func (s *scriptedClassifier) Classify(error) classifier.Decision {
	d := s.decisions[s.calls]
	s.calls++
	return d
}

func TestEngine_FatalMarksNonceStale(t *testing.T) {
	ledger := &fakeLedger{always: errors.New("boom")}
	nonces := &fixedNonces{}
	c := &scriptedClassifier{decisions: []classifier.Decision{
		{Verdict: classifier.Retry, Reason: "again"},
		{Verdict: classifier.Fatal, Reason: "bad nonce", ResyncNonce: true, LedgerNonce: 77},
	}}

	out := NewEngine(ledger, c, nonces, retry.BackoffPolicy{PolicyID: "t"}, nil, nil).
		Broadcast(context.Background(), &SignedCarrier{Raw: []byte{1, 2, 3}})

	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "bad nonce", out.Reason)
	assert.Equal(t, []uint64{77}, nonces.stale)
}

func TestEngine_CanceledBeforeSubmit(t *testing.T) {
	ledger := &fakeLedger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewEngine(ledger, classifier.New(), nil, retry.DefaultPolicy(), nil, nil).
		Broadcast(ctx, &SignedCarrier{Raw: []byte{1}})
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, classifier.ReasonAbandoned, out.Reason)
	assert.Empty(t, ledger.Submissions())
}

func TestEngine_RPCClientTimeoutIsRetried(t *testing.T) {
	clientTimeout := &rpc.TransportError{
		Method: "broadcast_tx_commit",
		Err:    fmt.Errorf("Client.Timeout exceeded while awaiting headers: %w", context.DeadlineExceeded),
	}
	ledger := &fakeLedger{errs: []error{clientTimeout}}

	out := NewEngine(ledger, classifier.New(), nil, retry.BackoffPolicy{PolicyID: "t", MaxAttempts: 5}, nil, nil).
		Broadcast(context.Background(), &SignedCarrier{Raw: []byte{1}})
	assert.Equal(t, Committed, out.State, out.Reason)
	assert.Equal(t, 2, out.Attempts)
}

// cancelingLedger ends the request while the submission is in flight and
// reports an error the classifier alone would retry.
type cancelingLedger struct {
	fakeLedger
	cancel context.CancelFunc
}

func (c *cancelingLedger) BroadcastTxCommit(ctx context.Context, signed []byte) (*rpc.FinalExecutionOutcome, error) {
	_, _ = c.fakeLedger.BroadcastTxCommit(ctx, signed)
	c.cancel()
	return nil, &rpc.TransportError{Method: "broadcast_tx_commit", Err: errors.New("connection reset")}
}

func TestEngine_RequestEndsDuringSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := &cancelingLedger{cancel: cancel}

	out := NewEngine(ledger, classifier.New(), nil, retry.DefaultPolicy(), nil, nil).
		Broadcast(ctx, &SignedCarrier{Raw: []byte{1}})
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, classifier.ReasonAbandoned, out.Reason)
	assert.Len(t, ledger.Submissions(), 1)
}

func TestRespond(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"decode", &DecodeError{Err: near.ErrTruncated}, http.StatusBadRequest},
		{"policy refused", &PolicyError{Rule: "r"}, http.StatusForbidden},
		{"policy broken", &PolicyError{Err: errors.New("no such key")}, http.StatusInternalServerError},
		{"assembly", &AssemblyError{Err: errors.New("x")}, http.StatusInternalServerError},
		{"signing", &SigningError{Err: errors.New("x")}, http.StatusInternalServerError},
		{"broadcast", &BroadcastError{Reason: "invalid transaction"}, http.StatusInternalServerError},
		{"unknown", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Respond(nil, tt.err)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Nil(t, resp.Success)
			assert.Equal(t, tt.err.Error(), resp.Detail)
		})
	}

	// a nil error without a committed result is never reported as success
	assert.Equal(t, http.StatusInternalServerError, Respond(&Result{}, nil).StatusCode)
}
