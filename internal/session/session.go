// Package session is the client-side flow of a PulseNebula user: submit
// encrypted samples, keep a view of the user's samples and of the
// collective aggregate, and decrypt what the user is allowed to see.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"PulseNebula/internal/authz"
	"PulseNebula/internal/contentstore"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/ledger"
	"PulseNebula/internal/logger"
	"PulseNebula/internal/resolver"
	"PulseNebula/internal/signer"
)

var (
	// ErrRateOutOfRange is returned when the average pulse is outside [30, 220].
	ErrRateOutOfRange = errors.New("average pulse out of range")

	// ErrIncomplete is returned when no signer is connected.
	ErrIncomplete = errors.New("encryption environment incomplete")

	// ErrEnvironmentChanged is returned when the signer or chain changed during a submission.
	ErrEnvironmentChanged = errors.New("chain or signer changed")

	// ErrNoCollective is returned when the aggregate handles are absent.
	ErrNoCollective = errors.New("no collective statistics available")

	// ErrNoCiphertext is returned when a sample carries no handle.
	ErrNoCiphertext = errors.New("sample has no ciphertext")

	// ErrDecryptIncomplete is returned when the engine omits a requested handle.
	ErrDecryptIncomplete = errors.New("decrypt result incomplete")
)

// Status texts reported by Message.
const (
	msgIncomplete        = "PulseNebula encryption environment is incomplete"
	msgRateOutOfRange    = "Average pulse must be between 30 and 220"
	msgEncrypting        = "Encrypting pulse sample via FHE..."
	msgAborted           = "Chain or signer changed. Aborting submission."
	msgSubmitting        = "Submitting sample to the PulseNebula ledger..."
	msgSubmitted         = "Sample logged successfully"
	msgSubmitFailed      = "Sample submission failed. Please try again."
	msgSyncing           = "Synchronizing nebula pulse data..."
	msgSynced            = "Pulse nebula data ready"
	msgSyncFailed        = "Failed to fetch pulse data"
	msgDecrypting        = "Preparing to decrypt this pulse sample..."
	msgDecrypted         = "Sample decrypted successfully"
	msgDecryptFailed     = "Sample decryption failed"
	msgNoSignature       = "Unable to generate decryption signature"
	msgNoCollective      = "No collective statistics available for decryption"
	msgAuthorizing       = "Requesting authority to decrypt collective stats..."
	msgAuthorizeFailed   = "Authorization failed. Unable to unlock collective stats."
	msgDecryptingStats   = "Decrypting collective pulse statistics..."
	msgNoStatsSignature  = "Unable to generate signature for collective stats"
	msgNoSamples         = "No collective samples available"
	msgStatsDecrypted    = "Collective statistics decrypted successfully"
	msgStatsFailed       = "Failed to decrypt collective statistics"
	msgGranted           = "Access granted"
	msgGrantFailed       = "Granting access failed"
	msgEncryptionMissing = "FHE engine unavailable"
)

// Signer signs decryption statements and ledger requests.
type Signer interface {
	authz.Signer
	signer.Sealer
}

// Ledger is the session's view of the confidential ledger. Writes carry
// requests sealed by the session's signer.
type Ledger interface {
	LedgerAddress(ctx context.Context) (fhe.Address, error)
	SubmitSample(ctx context.Context, s signer.Sealer, sub ledger.Submission) (uint64, error)
	GrantAccess(ctx context.Context, s signer.Sealer, id uint64, grantee fhe.Address) error
	AuthorizeCollectiveAccess(ctx context.Context, s signer.Sealer) error
	RetrieveSample(ctx context.Context, id uint64) (*ledger.Sample, error)
	SampleSynopsis(ctx context.Context, id uint64) (*ledger.Synopsis, error)
	ListSamplesForOwner(ctx context.Context, owner fhe.Address) ([]uint64, error)
	AggregateHandles(ctx context.Context) (fhe.Handle, fhe.Handle, error)
}

// Payload is one sample as entered by the user.
type Payload struct {
	AvgRate          uint32
	ContentID        string // ContentID is derived from Measurements when empty
	IsPublic         bool
	PublicAvgRate    uint32 // PublicAvgRate defaults to AvgRate for public samples
	MeasurementCount uint32
	MinBpm           uint32
	MaxBpm           uint32
	Measurements     []contentstore.Measurement
}

// SampleView is a sample with its off-ledger measurements and, once
// decrypted, its average.
type SampleView struct {
	ledger.Synopsis
	Handle       fhe.Handle
	Measurements []contentstore.Measurement
	Decrypted    bool
	AvgRate      uint64 // AvgRate is valid when Decrypted is set
}

// Collective is the aggregate as seen by the session.
type Collective struct {
	Sum        fhe.Handle
	Count      fhe.Handle
	Samples    uint64  // Samples is the decrypted count
	Average    float64 // Average is rounded to one decimal
	HasAverage bool
}

// Config wires a Session.
type Config struct {
	Endpoint resolver.Endpoint
	Resolver *resolver.Resolver
	Ledger   Ledger
	Tokens   *authz.Manager
	Content  *contentstore.Store // Content may be nil
	Signer   Signer
}

// Session is one user's connection to a ledger.
type Session struct {
	ep       resolver.Endpoint
	resolver *resolver.Resolver
	ledger   Ledger
	tokens   *authz.Manager
	content  *contentstore.Store

	signerMu   sync.RWMutex
	signer     Signer
	generation atomic.Uint64 // generation changes with every signer switch

	loading atomic.Bool // loading guards Refresh

	mu         sync.RWMutex
	message    string
	samples    []*SampleView
	collective Collective
}

// New creates a session.
func New(cfg Config) *Session {
	return &Session{
		ep:       cfg.Endpoint,
		resolver: cfg.Resolver,
		ledger:   cfg.Ledger,
		tokens:   cfg.Tokens,
		content:  cfg.Content,
		signer:   cfg.Signer,
	}
}

// SetSigner switches the connected signer. Submissions in flight abort.
func (s *Session) SetSigner(sg Signer) {
	s.signerMu.Lock()
	s.signer = sg
	s.generation.Add(1)
	s.signerMu.Unlock()
}

func (s *Session) currentSigner() (Signer, uint64) {
	s.signerMu.RLock()
	defer s.signerMu.RUnlock()

	return s.signer, s.generation.Load()
}

// Message returns the latest status text.
func (s *Session) Message() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.message
}

func (s *Session) setMessage(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
}

// Samples returns a copy of the user's sample views.
func (s *Session) Samples() []SampleView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SampleView, len(s.samples))
	for i, v := range s.samples {
		out[i] = *v
	}
	return out
}

// Collective returns the current aggregate view.
func (s *Session) Collective() Collective {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collective
}

// Submit encrypts p.AvgRate and logs the sample. It returns the new id.
func (s *Session) Submit(ctx context.Context, p Payload) (uint64, error) {
	sg, gen := s.currentSigner()
	if sg == nil {
		s.setMessage(msgIncomplete)
		return 0, ErrIncomplete
	}

	if p.AvgRate < ledger.MinBpm || p.AvgRate > ledger.MaxBpm {
		s.setMessage(msgRateOutOfRange)
		return 0, fmt.Errorf("%w: %d", ErrRateOutOfRange, p.AvgRate)
	}

	p, err := complete(p)
	if err != nil {
		s.setMessage(msgSubmitFailed)
		return 0, err
	}

	s.setMessage(msgEncrypting)

	h, err := s.resolver.Resolve(ctx, s.ep)
	if err != nil {
		s.setMessage(msgEncryptionMissing)
		return 0, fmt.Errorf("resolve engine:\n%w", err)
	}

	user, err := sg.Address(ctx)
	if err != nil {
		s.setMessage(msgIncomplete)
		return 0, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	target, err := s.ledger.LedgerAddress(ctx)
	if err != nil {
		s.setMessage(msgSubmitFailed)
		return 0, fmt.Errorf("ledger address:\n%w", err)
	}

	input, err := h.Engine.CreateEncryptedInput(target, user).Add32(p.AvgRate).Encrypt(ctx)
	if err != nil {
		s.setMessage(msgSubmitFailed)
		return 0, fmt.Errorf("encrypt sample:\n%w", err)
	}

	if err := s.checkUnchanged(ctx, h, gen); err != nil {
		s.setMessage(msgAborted)
		logger.Info("submission aborted", "reason", err)
		return 0, err
	}

	s.setMessage(msgSubmitting)

	if len(p.Measurements) > 0 && s.content != nil {
		if err := s.content.SaveMeasurements(ctx, p.ContentID, p.Measurements); err != nil {
			s.setMessage(msgSubmitFailed)
			return 0, err
		}
	}

	declared := uint32(0)
	if p.IsPublic {
		declared = p.PublicAvgRate
		if declared == 0 {
			declared = p.AvgRate
		}
	}

	id, err := s.ledger.SubmitSample(ctx, sg, ledger.Submission{
		ContentID:             p.ContentID,
		Handle:                input.Handles[0],
		Proof:                 input.Proof,
		DeclaredPublicAverage: declared,
		MeasurementCount:      p.MeasurementCount,
		MinBpm:                p.MinBpm,
		MaxBpm:                p.MaxBpm,
		IsPublic:              p.IsPublic,
	})
	if err != nil {
		s.setMessage(msgSubmitFailed)
		return 0, fmt.Errorf("submit sample:\n%w", err)
	}

	s.setMessage(msgSubmitted)
	logger.Debug("sample submitted", "id", id, "public", p.IsPublic)

	if err := s.Refresh(ctx); err != nil {
		logger.Warn("refresh after submit failed", "error", err)
	}

	return id, nil
}

// complete derives the content id and measurement metadata from the
// series when the caller left them empty.
func complete(p Payload) (Payload, error) {
	if len(p.Measurements) == 0 {
		return p, nil
	}

	if p.ContentID == "" {
		cid, err := contentstore.SeriesContentID(p.Measurements)
		if err != nil {
			return p, err
		}
		p.ContentID = cid
	}

	if sum, ok := contentstore.Summarize(p.Measurements); ok {
		if p.MeasurementCount == 0 {
			p.MeasurementCount = sum.Count
		}
		if p.MinBpm == 0 {
			p.MinBpm = sum.Min
		}
		if p.MaxBpm == 0 {
			p.MaxBpm = sum.Max
		}
	}

	return p, nil
}

// checkUnchanged fails when the signer was switched after generation gen
// or when the endpoint now reports another chain.
func (s *Session) checkUnchanged(ctx context.Context, h *resolver.EngineHandle, gen uint64) error {
	if s.generation.Load() != gen {
		return fmt.Errorf("%w: signer switched", ErrEnvironmentChanged)
	}

	chainID, err := s.ep.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: chain id: %v", ErrEnvironmentChanged, err)
	}
	if chainID != h.ChainID {
		return fmt.Errorf("%w: chain %d, engine resolved for %d", ErrEnvironmentChanged, chainID, h.ChainID)
	}

	return nil
}

// Refresh reloads the user's samples and the aggregate handles. A call
// made while another refresh runs returns immediately.
func (s *Session) Refresh(ctx context.Context) error {
	sg, _ := s.currentSigner()
	if sg == nil {
		s.mu.Lock()
		s.samples = nil
		s.collective = Collective{}
		s.mu.Unlock()
		return nil
	}

	if !s.loading.CompareAndSwap(false, true) {
		return nil
	}
	defer s.loading.Store(false)

	s.setMessage(msgSyncing)

	if err := s.refresh(ctx, sg); err != nil {
		s.setMessage(msgSyncFailed)
		return err
	}

	s.setMessage(msgSynced)

	return nil
}

func (s *Session) refresh(ctx context.Context, sg Signer) error {
	user, err := sg.Address(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	ids, err := s.ledger.ListSamplesForOwner(ctx, user)
	if err != nil {
		return fmt.Errorf("list samples:\n%w", err)
	}

	s.mu.RLock()
	previous := make(map[uint64]*SampleView, len(s.samples))
	for _, v := range s.samples {
		previous[v.ID] = v
	}
	s.mu.RUnlock()

	views := make([]*SampleView, 0, len(ids))

	for _, id := range ids {
		syn, err := s.ledger.SampleSynopsis(ctx, id)
		if err != nil {
			return fmt.Errorf("synopsis %d:\n%w", id, err)
		}

		sample, err := s.ledger.RetrieveSample(ctx, id)
		if err != nil {
			return fmt.Errorf("retrieve %d:\n%w", id, err)
		}

		view := &SampleView{Synopsis: *syn, Handle: sample.Handle}

		if s.content != nil && syn.ContentID != "" {
			if view.Measurements, err = s.content.LoadMeasurements(ctx, syn.ContentID); err != nil {
				logger.Debug("measurements unavailable", "id", id, "error", err)
			}
		}

		// Decryptions survive a refresh; the handle is immutable.
		if prev, ok := previous[id]; ok && prev.Decrypted && prev.Handle == view.Handle {
			view.Decrypted, view.AvgRate = true, prev.AvgRate
		}

		views = append(views, view)
	}

	sum, count, err := s.ledger.AggregateHandles(ctx)
	if err != nil {
		return fmt.Errorf("aggregate handles:\n%w", err)
	}

	s.mu.Lock()
	s.samples = views
	if s.collective.Sum != sum || s.collective.Count != count {
		s.collective = Collective{Sum: sum, Count: count}
	}
	s.mu.Unlock()

	return nil
}

// DecryptSample decrypts the average of sample id for the connected user.
func (s *Session) DecryptSample(ctx context.Context, id uint64) (uint64, error) {
	sg, _ := s.currentSigner()
	if sg == nil {
		s.setMessage(msgIncomplete)
		return 0, ErrIncomplete
	}

	sample, err := s.ledger.RetrieveSample(ctx, id)
	if err != nil {
		s.setMessage(msgDecryptFailed)
		return 0, err
	}
	if sample.Handle.IsZero() {
		return 0, ErrNoCiphertext
	}

	s.setMessage(msgDecrypting)

	cred, err := s.credential(ctx, sg, msgNoSignature)
	if err != nil {
		if !errors.Is(err, authz.ErrSigningRejected) && !errors.Is(err, authz.ErrSigningUnavailable) {
			s.setMessage(msgDecryptFailed)
		}
		return 0, err
	}

	values, err := cred.decrypt(ctx, sample.Handle)
	if err != nil {
		s.setMessage(msgDecryptFailed)
		return 0, err
	}

	v, ok := values[sample.Handle]
	if !ok {
		s.setMessage(msgDecryptFailed)
		return 0, fmt.Errorf("%w: sample %d missing from decrypt result", ErrDecryptIncomplete, id)
	}

	s.mu.Lock()
	for _, view := range s.samples {
		if view.ID == id {
			view.Decrypted, view.AvgRate = true, v
		}
	}
	s.mu.Unlock()

	s.setMessage(msgDecrypted)

	return v, nil
}

// DecryptCollective authorizes the user on the aggregate and decrypts it.
// A zero count yields a Collective without an average.
func (s *Session) DecryptCollective(ctx context.Context) (Collective, error) {
	sg, _ := s.currentSigner()
	if sg == nil {
		s.setMessage(msgIncomplete)
		return Collective{}, ErrIncomplete
	}

	sum, count, err := s.ledger.AggregateHandles(ctx)
	if err != nil {
		s.setMessage(msgStatsFailed)
		return Collective{}, fmt.Errorf("aggregate handles:\n%w", err)
	}
	if sum.IsZero() || count.IsZero() {
		s.setMessage(msgNoCollective)
		return Collective{}, ErrNoCollective
	}

	s.setMessage(msgAuthorizing)

	if err := s.ledger.AuthorizeCollectiveAccess(ctx, sg); err != nil {
		s.setMessage(msgAuthorizeFailed)
		return Collective{}, fmt.Errorf("authorize collective access:\n%w", err)
	}

	s.setMessage(msgDecryptingStats)

	cred, err := s.credential(ctx, sg, msgNoStatsSignature)
	if err != nil {
		if !errors.Is(err, authz.ErrSigningRejected) && !errors.Is(err, authz.ErrSigningUnavailable) {
			s.setMessage(msgStatsFailed)
		}
		return Collective{}, err
	}

	// Public submissions by others replace the aggregate handles, so they
	// are read after signing and reread once if they move under the decrypt.
	var values map[fhe.Handle]uint64
	for attempt := 0; ; attempt++ {
		if sum, count, err = s.ledger.AggregateHandles(ctx); err != nil {
			s.setMessage(msgStatsFailed)
			return Collective{}, fmt.Errorf("aggregate handles:\n%w", err)
		}

		values, err = cred.decrypt(ctx, sum, count)
		if err == nil {
			break
		}
		if attempt == 0 && errors.Is(err, fhe.ErrNotAuthorized) {
			nowSum, nowCount, herr := s.ledger.AggregateHandles(ctx)
			if herr == nil && (nowSum != sum || nowCount != count) {
				continue
			}
		}
		s.setMessage(msgStatsFailed)
		return Collective{}, err
	}

	sv, okSum := values[sum]
	cv, okCount := values[count]
	if !okSum || !okCount {
		s.setMessage(msgStatsFailed)
		return Collective{}, fmt.Errorf("%w: aggregate values missing from decrypt result", ErrDecryptIncomplete)
	}

	out := Collective{Sum: sum, Count: count, Samples: cv}
	if out.Samples == 0 {
		s.setMessage(msgNoSamples)
	} else {
		out.Average = roundTenth(float64(sv) / float64(out.Samples))
		out.HasAverage = true
		s.setMessage(msgStatsDecrypted)
	}

	s.mu.Lock()
	s.collective = out
	s.mu.Unlock()

	return out, nil
}

// decryptCredential is a signed token bound to the resolved engine.
type decryptCredential struct {
	engine fhe.Engine
	target fhe.Address
	auth   fhe.Authorization
}

// credential obtains a token scoped to the ledger.
// noSig is the status text used when no token can be signed.
func (s *Session) credential(ctx context.Context, sg Signer, noSig string) (*decryptCredential, error) {
	h, err := s.resolver.Resolve(ctx, s.ep)
	if err != nil {
		return nil, fmt.Errorf("resolve engine:\n%w", err)
	}

	target, err := s.ledger.LedgerAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger address:\n%w", err)
	}

	tok, err := s.tokens.LoadOrCreate(ctx, h.Engine, []fhe.Address{target}, sg)
	if err != nil {
		s.setMessage(noSig)
		return nil, err
	}

	return &decryptCredential{engine: h.Engine, target: target, auth: tok.Authorization()}, nil
}

func (c *decryptCredential) decrypt(ctx context.Context, handles ...fhe.Handle) (map[fhe.Handle]uint64, error) {
	pairs := make([]fhe.HandleContractPair, len(handles))
	for i, handle := range handles {
		pairs[i] = fhe.HandleContractPair{Handle: handle, Contract: c.target}
	}

	values, err := c.engine.UserDecrypt(ctx, pairs, c.auth)
	if err != nil {
		return nil, fmt.Errorf("user decrypt:\n%w", err)
	}

	return values, nil
}

// Grant lets grantee decrypt sample id.
func (s *Session) Grant(ctx context.Context, id uint64, grantee fhe.Address) error {
	sg, _ := s.currentSigner()
	if sg == nil {
		s.setMessage(msgIncomplete)
		return ErrIncomplete
	}

	if err := s.ledger.GrantAccess(ctx, sg, id, grantee); err != nil {
		s.setMessage(msgGrantFailed)
		return fmt.Errorf("grant access:\n%w", err)
	}

	s.setMessage(msgGranted)

	return nil
}

// roundTenth rounds v to one decimal place.
func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
