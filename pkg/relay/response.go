package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const successMessage = "Successfully relayed and sent transaction."

// Success is the 200 body for a committed carrier. The capitalized keys are
// the ones existing relayer clients parse.
type Success struct {
	Message         string          `json:"message"`
	Status          json.RawMessage `json:"Status"`
	Logs            string          `json:"Transaction Outcome Logs"`
	TransactionHash string          `json:"transaction_hash"`
	Attempts        int             `json:"attempts"`
}

// Response is the wire form of a terminal pipeline value. Exactly one of
// Success or Detail is meaningful.
type Response struct {
	StatusCode int
	Success    *Success
	Title      string
	Detail     string
}

// Respond maps a pipeline result or error to a response. Every error type
// the pipeline returns has a mapping; anything else is a 500.
func Respond(res *Result, err error) Response {
	if err == nil {
		if res == nil || res.Outcome.Result == nil {
			return problem(http.StatusInternalServerError, ErrNotCommitted.Error())
		}
		out := res.Outcome.Result
		status := out.Status
		if len(status) == 0 {
			status = json.RawMessage("null")
		}
		return Response{
			StatusCode: http.StatusOK,
			Success: &Success{
				Message:         successMessage,
				Status:          status,
				Logs:            strings.Join(out.TransactionOutcome.Outcome.Logs, "\n"),
				TransactionHash: res.Carrier.Hash.String(),
				Attempts:        res.Outcome.Attempts,
			},
		}
	}

	var (
		decodeErr *DecodeError
		policyErr *PolicyError
	)
	switch {
	case errors.As(err, &decodeErr):
		return problem(http.StatusBadRequest, err.Error())
	case errors.As(err, &policyErr) && policyErr.Err == nil:
		return problem(http.StatusForbidden, err.Error())
	default:
		return problem(http.StatusInternalServerError, err.Error())
	}
}

func problem(status int, detail string) Response {
	return Response{StatusCode: status, Title: http.StatusText(status), Detail: detail}
}
