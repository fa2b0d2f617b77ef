package api

import (
	"errors"
	"fmt"
	"net/http"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/signer"
)

var (
	// ErrBadRequest is returned for malformed requests.
	ErrBadRequest = errors.New("bad request")

	// ErrReplayed is returned when an envelope nonce is seen twice.
	ErrReplayed = errors.New("request replayed")

	// ErrNotMock is returned by mock routes on a relay-mode node.
	ErrNotMock = errors.New("node is not in mock mode")
)

// Modes reported by /status.
const (
	ModeMock  = "mock"
	ModeRelay = "relay"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ChainID       uint64      `json:"chainId"`
	ClientVersion string      `json:"clientVersion"`
	Ledger        fhe.Address `json:"ledgerAddress"`
	Mode          string      `json:"mode"`
	RelayAddress  string      `json:"relayAddress,omitempty"`
}

// GrantRequest is the sealed body of POST /ledger/samples/{id}/grants.
type GrantRequest struct {
	SampleID uint64      `json:"sampleId"`
	Grantee  fhe.Address `json:"grantee"`
}

// CollectiveRequest is the sealed body of POST /ledger/collective/authorize.
// Ledger names the ledger the caller means to authorize on.
type CollectiveRequest struct {
	Ledger fhe.Address `json:"ledger"`
}

// SubmitResponse answers POST /ledger/samples.
type SubmitResponse struct {
	ID uint64 `json:"id"`
}

// SamplesResponse lists an owner's sample ids.
type SamplesResponse struct {
	IDs []uint64 `json:"ids"`
}

// AggregateResponse carries the collective handles.
type AggregateResponse struct {
	Sum   fhe.Handle `json:"encryptedSum"`
	Count fhe.Handle `json:"encryptedCount"`
}

// TotalResponse carries the number of logged samples.
type TotalResponse struct {
	Total uint64 `json:"total"`
}

// MockDecryptRequest is the body of POST /mock/decrypt.
type MockDecryptRequest struct {
	Pairs         []fhe.HandleContractPair `json:"pairs"`
	Authorization fhe.Authorization        `json:"authorization"`
}

// MockDecryptResponse maps handles to plaintexts.
type MockDecryptResponse struct {
	Values map[fhe.Handle]uint64 `json:"values"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorCodes maps sentinels to wire codes and statuses. Order matters:
// the first match wins.
var errorCodes = []struct {
	code   string
	status int
	err    error
}{
	{"not_found", http.StatusNotFound, ledger.ErrNotFound},
	{"not_authorized", http.StatusForbidden, ledger.ErrNotAuthorized},
	{"value_out_of_range", http.StatusUnprocessableEntity, ledger.ErrValueOutOfRange},
	{"proof_invalid", http.StatusUnprocessableEntity, ledger.ErrProofInvalid},
	{"unknown_handle", http.StatusNotFound, fhe.ErrUnknownHandle},
	{"authorization_invalid", http.StatusUnauthorized, fhe.ErrAuthorizationInvalid},
	{"authorization_expired", http.StatusUnauthorized, fhe.ErrAuthorizationExpired},
	{"out_of_scope", http.StatusForbidden, fhe.ErrOutOfScope},
	{"bad_signature", http.StatusUnauthorized, signer.ErrBadEnvelope},
	{"replayed", http.StatusConflict, ErrReplayed},
	{"not_mock", http.StatusNotFound, ErrNotMock},
	{"bad_request", http.StatusBadRequest, ErrBadRequest},
}

// codeFor returns the wire code and HTTP status for err.
func codeFor(err error) (string, int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "internal", http.StatusInternalServerError
}

// ErrorFor rebuilds an error from a wire code so callers can use errors.Is
// with the original sentinel.
func ErrorFor(code, message string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return fmt.Errorf("%s: %s", code, message)
}
