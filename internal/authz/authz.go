// Package authz manages user-decryption authorizations: signed, scoped,
// time-bounded statements over an ephemeral keypair, cached so that a user
// signs at most once per set of contracts.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"PulseNebula/internal/fhe"
	"PulseNebula/internal/kv"
	"PulseNebula/internal/logger"
)

var (
	// ErrSigningRejected is returned when the signer refuses the statement.
	ErrSigningRejected = errors.New("signing rejected")

	// ErrSigningUnavailable is returned when no signer is connected.
	ErrSigningUnavailable = errors.New("signing unavailable")
)

const (
	// DefaultDurationDays is the validity of a new token.
	DefaultDurationDays = 365

	keyPrefix = "__pulse_fhe_sig__:"
)

// Signer is the user's signing provider.
type Signer interface {
	Address(ctx context.Context) (fhe.Address, error)
	SignStatement(ctx context.Context, stmt fhe.Statement) ([]byte, error)
}

// Token is a cached decryption authorization.
type Token struct {
	User           fhe.Address   `json:"userAddress"`
	PublicKey      fhe.Key       `json:"publicKey"`
	PrivateKey     fhe.Key       `json:"privateKey"`
	Signature      []byte        `json:"signature"`
	Contracts      []fhe.Address `json:"contractAddresses"`
	StartTimestamp int64         `json:"startTimestamp"`
	DurationDays   int64         `json:"durationDays"`
}

// Statement rebuilds the signed statement.
func (t *Token) Statement() fhe.Statement {
	return fhe.NewStatement(t.PublicKey, t.Contracts, t.StartTimestamp, t.DurationDays)
}

// Authorization converts the token for an engine call.
func (t *Token) Authorization() fhe.Authorization {
	return fhe.Authorization{
		User:      t.User,
		Keypair:   fhe.Keypair{Public: t.PublicKey, Private: t.PrivateKey},
		Signature: append([]byte(nil), t.Signature...),
		Statement: t.Statement(),
	}
}

// IsValid reports whether now falls inside the token's window.
func (t *Token) IsValid(now time.Time) bool {
	return t.Statement().ActiveAt(now)
}

// Verify checks the signature and window, as engine back-ends do.
func (t *Token) Verify(now time.Time) error {
	return t.Authorization().Verify(now)
}

// Covers reports whether contract is in the token's scope.
func (t *Token) Covers(contract fhe.Address) bool {
	return t.Statement().Covers(contract)
}

// Manager creates and caches tokens. The cache is written only here.
type Manager struct {
	store        kv.Store
	now          func() time.Time
	durationDays int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDurationDays sets the validity of new tokens.
func WithDurationDays(days int64) Option {
	return func(m *Manager) { m.durationDays = days }
}

// NewManager creates a manager caching tokens in store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, durationDays: DefaultDurationDays}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadOrCreate returns a valid token for exactly contracts, signing a new
// statement only when the cache has none.
func (m *Manager) LoadOrCreate(ctx context.Context, engine fhe.Engine, contracts []fhe.Address, signer Signer) (*Token, error) {
	if signer == nil {
		return nil, ErrSigningUnavailable
	}

	user, err := signer.Address(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	scope := canonicalScope(contracts)
	key := CacheKey(user, scope)

	if tok := m.load(ctx, key, user, scope); tok != nil {
		return tok, nil
	}

	kp, err := engine.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair:\n%w", err)
	}

	start := m.now().Unix()
	stmt := engine.CreateStatement(kp.Public, scope, start, m.durationDays)

	sig, err := signer.SignStatement(ctx, stmt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningRejected, err)
	}

	tok := &Token{
		User:           user,
		PublicKey:      kp.Public,
		PrivateKey:     kp.Private,
		Signature:      sig,
		Contracts:      scope,
		StartTimestamp: start,
		DurationDays:   m.durationDays,
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token:\n%w", err)
	}
	if err := m.store.Set(ctx, key, raw); err != nil {
		logger.Warn("token cache write failed", "user", user, "error", err)
	}

	return tok, nil
}

// load returns a cached, unexpired token for exactly (user, scope), or nil.
func (m *Manager) load(ctx context.Context, key string, user fhe.Address, scope []fhe.Address) *Token {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		logger.Warn("token cache read failed", "user", user, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		logger.Debug("discarding unreadable token", "user", user, "error", err)
		return nil
	}

	if tok.User != user || !sameScope(tok.Contracts, scope) {
		return nil
	}
	if !tok.IsValid(m.now()) {
		return nil
	}

	return &tok
}

// CacheKey derives the token cache key for user and an already sorted scope.
func CacheKey(user fhe.Address, scope []fhe.Address) string {
	parts := make([]string, len(scope))
	for i, c := range scope {
		parts[i] = c.String()
	}

	return keyPrefix + user.String() + ":" + strings.Join(parts, ",")
}

// canonicalScope returns contracts sorted and deduplicated.
func canonicalScope(contracts []fhe.Address) []fhe.Address {
	out := append([]fhe.Address(nil), contracts...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })

	n := 0
	for i, c := range out {
		if i > 0 && c == out[n-1] {
			continue
		}
		out[n] = c
		n++
	}

	return out[:n]
}

// sameScope compares two canonical scopes.
func sameScope(a, b []fhe.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
