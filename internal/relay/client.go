package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// Caller performs one relay operation.
type Caller interface {
	Call(ctx context.Context, op string, in, out any) error
}

// Client is a QUIC connection to a relay.
type Client struct {
	conn *quic.Conn
	peer relayIdentity
}

// Dial connects to the relay at addr. When serverKey is set the relay's
// certificate must carry that key.
func Dial(ctx context.Context, addr string, serverKey ed25519.PublicKey) (*Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // The relay key is checked below
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad certificate")
		return nil, err
	}
	if serverKey != nil && !bytes.Equal(peer.Key, serverKey) {
		conn.CloseWithError(1, "unexpected relay key")
		return nil, fmt.Errorf("relay key mismatch: got %x", []byte(peer.Key))
	}

	return &Client{conn: conn, peer: peer}, nil
}

// ServerKey returns the relay's identity key.
func (c *Client) ServerKey() ed25519.PublicKey { return c.peer.Key }

// CommitteeDigest returns the committee digest bound into the relay's
// certificate, or nil when the relay did not bind one.
func (c *Client) CommitteeDigest() []byte { return c.peer.Committee }

// Call sends in under op on a new stream and decodes the result into out.
func (c *Client) Call(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request:\n%w", op, err)
	}

	data, err := json.Marshal(request{ID: uuid.NewString(), Op: op, Body: body})
	if err != nil {
		return fmt.Errorf("encode frame:\n%w", err)
	}

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return fmt.Errorf("write request:\n%w", err)
	}

	raw, err := readMessage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read response:\n%w", err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode response:\n%w", err)
	}
	if resp.Code != "" {
		return errorFor(resp.Code, resp.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s result:\n%w", op, err)
	}

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "closed")
}
