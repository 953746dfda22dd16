package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/relay"
)

// MaxJSONBody fits MaxEnvelopeSize written as a JSON array of "255," entries.
// It bounds every /relay request body, whatever its content type.
const MaxJSONBody = 4*near.MaxEnvelopeSize + 2

var errBodyTooLarge = errors.New("request body too large")

// Relayer runs one relay request to its wire response.
type Relayer interface {
	Handle(ctx context.Context, body []byte) relay.Response
}

// Server serves the relayer's HTTP endpoints.
type Server struct {
	relayer Relayer
	ready   func() bool
	logger  *slog.Logger
}

// NewServer creates a Server. ready reports readiness; nil means always ready.
func NewServer(relayer Relayer, ready func() bool, logger *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{relayer: relayer, ready: ready, logger: logger.With("component", "api")}
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.HandleRelay)
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/readiness", s.HandleReadiness)
	return mux
}

// HandleRelay handles POST /relay. The body is a borsh SignedDelegateAction,
// raw or as a JSON array of byte values.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	payload, status, err := readPayload(w, r)
	if err != nil {
		s.logger.WarnContext(r.Context(), "rejected relay body", "status", status, "error", err)
		switch status {
		case http.StatusUnsupportedMediaType:
			WriteUnsupportedMediaType(w, r.Header.Get("Content-Type"))
		case http.StatusBadRequest:
			WriteBadRequest(w, err.Error())
		default:
			WriteErrorR(w, r, status, http.StatusText(status), err.Error())
		}
		return
	}

	resp := s.relayer.Handle(r.Context(), payload)
	if resp.Success == nil {
		if resp.StatusCode < http.StatusBadRequest {
			WriteInternal(w, fmt.Errorf("relay returned status %d without a success body", resp.StatusCode))
			return
		}
		WriteErrorR(w, r, resp.StatusCode, resp.Title, resp.Detail)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(resp.Success)
}

func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	mediaType := "application/octet-stream"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, http.StatusUnsupportedMediaType, err
		}
		mediaType = mt
	}

	switch mediaType {
	case "application/octet-stream":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, near.MaxEnvelopeSize))
		if err != nil {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: %v", errBodyTooLarge, err)
		}
		return body, 0, nil
	case "application/json":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxJSONBody))
		if err != nil {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: %v", errBodyTooLarge, err)
		}
		payload, err := decodeByteArray(body)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("error deserializing payload data object: %w", err)
		}
		return payload, 0, nil
	default:
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// decodeByteArray parses a JSON array of integers in 0..255.
func decodeByteArray(body []byte) ([]byte, error) {
	var values []int
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("expected a JSON array of bytes: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON array")
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("element %d is %d, not a byte", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// HandleHealth is liveness only.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleReadiness reports 200 once the relayer can assign nonces.
func (s *Server) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "nonce store not synchronized with the ledger")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
