package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"PulseNebula/internal/fhe"
)

const (
	// maxMessageSize is the maximum allowed frame size (16 MB).
	maxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// Relay operations.
const (
	OpKeys    = "keys"
	OpInput   = "input"
	OpDecrypt = "decrypt"
)

// ErrDuplicateRequest is returned when a request id is replayed.
var ErrDuplicateRequest = errors.New("duplicate relay request")

// ErrUnknownOp is returned for operations the server does not serve.
var ErrUnknownOp = errors.New("unknown relay op")

// RemoteError is an error reported by the relay without a known code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// request is one frame from client to server.
type request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// response answers a request with the same id.
type response struct {
	ID    string          `json:"id"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// KeysResponse publishes the network key material.
type KeysResponse struct {
	PublicKey    []byte   `json:"publicKey"`
	PublicParams []byte   `json:"publicParams"`
	Committee    [][]byte `json:"committee"`
}

// InputRequest submits client ciphertexts for one (ledger, user) pair.
type InputRequest struct {
	Ledger      fhe.Address `json:"ledger"`
	User        fhe.Address `json:"user"`
	Ciphertexts [][]byte    `json:"ciphertexts"`
}

// InputResponse returns the handles and the committee-signed proof.
type InputResponse struct {
	Handles []fhe.Handle `json:"handles"`
	Proof   []byte       `json:"proof"`
}

// DecryptRequest asks for plaintexts under a signed authorization.
type DecryptRequest struct {
	Pairs         []fhe.HandleContractPair `json:"pairs"`
	Authorization fhe.Authorization        `json:"authorization"`
}

// DecryptResponse carries the JSON plaintext map sealed to the
// authorization's ephemeral key.
type DecryptResponse struct {
	Sealed []byte `json:"sealed"`
}

// errorCodes maps the sentinels that cross the wire.
var errorCodes = []struct {
	code string
	err  error
}{
	{"not_authorized", fhe.ErrNotAuthorized},
	{"proof_invalid", fhe.ErrProofInvalid},
	{"unknown_handle", fhe.ErrUnknownHandle},
	{"empty_input", fhe.ErrEmptyInput},
	{"authorization_invalid", fhe.ErrAuthorizationInvalid},
	{"authorization_expired", fhe.ErrAuthorizationExpired},
	{"out_of_scope", fhe.ErrOutOfScope},
	{"duplicate_request", ErrDuplicateRequest},
	{"unknown_op", ErrUnknownOp},
}

// codeFor returns the wire code for err.
func codeFor(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// errorFor rebuilds an error from a wire code.
func errorFor(code, msg string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return fmt.Errorf("%w: %s", c.err, msg)
		}
	}
	return &RemoteError{Code: code, Message: msg}
}

// writeMessage writes a length-prefixed message to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
