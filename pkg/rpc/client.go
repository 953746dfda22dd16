// Package rpc is a minimal NEAR JSON-RPC client covering the calls the
// relayer needs: finalized block lookup, commit-and-wait broadcast and access
// key queries.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
)

const (
	defaultTimeout   = 70 * time.Second
	maxResponseBytes = 8 << 20
	maxErrorBody     = 512
)

// Options configures a Client.
type Options struct {
	// Endpoint is the JSON-RPC URL, e.g. "https://rpc.testnet.near.org".
	Endpoint string
	// APIKey is sent as x-api-key when set.
	APIKey string
	// HTTPClient overrides the shared client. Default timeout is 70s,
	// above the ledger's own broadcast_tx_commit timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one NEAR RPC endpoint. It is safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
	ids      atomic.Uint64
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		http:     hc,
		logger:   logger.With("component", "near_rpc"),
	}
}

// Endpoint returns the configured RPC URL.
func (c *Client) Endpoint() string { return c.endpoint }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// call performs one JSON-RPC round trip and decodes result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      strconv.FormatUint(c.ids.Add(1), 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("rpc %s: marshal request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("read response: %w", err)}
	}
	c.logger.DebugContext(ctx, "rpc call", "method", method, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var rpcResp response
	decodeErr := json.Unmarshal(body, &rpcResp)

	// NEAR returns structured errors with HTTP 200 and, on some nodes, with
	// 4xx/5xx. Prefer the structured error whenever one is present.
	if decodeErr == nil && rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}
	if decodeErr != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// FinalizedBlock is the reference the carrier transaction is bound to.
type FinalizedBlock struct {
	Hash   near.CryptoHash
	Height uint64
}

type blockView struct {
	Header struct {
		Height uint64 `json:"height"`
		Hash   string `json:"hash"`
	} `json:"header"`
}

// FinalizedBlockHash fetches the latest final block.
func (c *Client) FinalizedBlockHash(ctx context.Context) (FinalizedBlock, error) {
	var view blockView
	if err := c.call(ctx, "block", map[string]string{"finality": "final"}, &view); err != nil {
		return FinalizedBlock{}, err
	}
	hash, err := near.ParseCryptoHash(view.Header.Hash)
	if err != nil {
		return FinalizedBlock{}, &TransportError{Method: "block", Err: err}
	}
	return FinalizedBlock{Hash: hash, Height: view.Header.Height}, nil
}

// ExecutionOutcome is the result of executing a transaction or receipt.
type ExecutionOutcome struct {
	Logs        []string        `json:"logs"`
	ReceiptIDs  []string        `json:"receipt_ids"`
	GasBurnt    uint64          `json:"gas_burnt"`
	TokensBurnt string          `json:"tokens_burnt"`
	ExecutorID  string          `json:"executor_id"`
	Status      json.RawMessage `json:"status"`
}

type ExecutionOutcomeWithID struct {
	ID      string           `json:"id"`
	Outcome ExecutionOutcome `json:"outcome"`
}

// FinalExecutionOutcome is the broadcast_tx_commit result.
type FinalExecutionOutcome struct {
	Status             json.RawMessage          `json:"status"`
	Transaction        json.RawMessage          `json:"transaction"`
	TransactionOutcome ExecutionOutcomeWithID   `json:"transaction_outcome"`
	ReceiptsOutcome    []ExecutionOutcomeWithID `json:"receipts_outcome"`
}

// Failure returns the status failure payload when execution failed on chain.
func (o *FinalExecutionOutcome) Failure() (json.RawMessage, bool) {
	var status map[string]json.RawMessage
	if err := json.Unmarshal(o.Status, &status); err != nil {
		return nil, false
	}
	f, ok := status["Failure"]
	return f, ok
}

// BroadcastTxCommit submits a signed transaction and waits for it to execute.
func (c *Client) BroadcastTxCommit(ctx context.Context, signed []byte) (*FinalExecutionOutcome, error) {
	var out FinalExecutionOutcome
	params := []string{base64.StdEncoding.EncodeToString(signed)}
	if err := c.call(ctx, "broadcast_tx_commit", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccessKeyView is the ledger's view of one access key.
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   string          `json:"block_hash"`
	Permission  json.RawMessage `json:"permission"`
	// Error is set by older nodes that report query failures inside result.
	Error string `json:"error,omitempty"`
}

// ViewAccessKey queries an access key at final finality.
func (c *Client) ViewAccessKey(ctx context.Context, account near.AccountID, key near.PublicKey) (*AccessKeyView, error) {
	params := map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   account.String(),
		"public_key":   key.String(),
	}
	var view AccessKeyView
	if err := c.call(ctx, "query", params, &view); err != nil {
		return nil, err
	}
	if view.Error != "" {
		return nil, &Error{
			Name:    "HANDLER_ERROR",
			Cause:   ErrorCause{Name: queryErrorCause(view.Error)},
			Code:    -32000,
			Message: view.Error,
		}
	}
	return &view, nil
}

// AccessKeyNonce returns the ledger nonce of an access key.
func (c *Client) AccessKeyNonce(ctx context.Context, account near.AccountID, key near.PublicKey) (uint64, error) {
	view, err := c.ViewAccessKey(ctx, account, key)
	if err != nil {
		return 0, err
	}
	return view.Nonce, nil
}

func queryErrorCause(msg string) string {
	if strings.Contains(msg, "does not exist") {
		return "UNKNOWN_ACCESS_KEY"
	}
	return "UNKNOWN"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
