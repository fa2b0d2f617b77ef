// Package ledger is the confidential pulse ledger: append-only encrypted
// samples, additive decryption grants, and the collective encrypted
// (sum, count) aggregate folded atomically with every public submission.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"PulseNebula/internal/events"
	"PulseNebula/internal/fhe"
	"PulseNebula/internal/logger"
	"PulseNebula/internal/storage"
)

var (
	// ErrNotFound is returned for unknown sample ids.
	ErrNotFound = errors.New("sample not found")

	// ErrNotAuthorized is returned when the caller may not perform the operation.
	ErrNotAuthorized = fhe.ErrNotAuthorized

	// ErrValueOutOfRange is returned when submitted metadata fails validation.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrProofInvalid is returned when the input proof does not bind the handle to the caller.
	ErrProofInvalid = fhe.ErrProofInvalid
)

const (
	// MinBpm and MaxBpm bound every declared pulse value.
	MinBpm = 30
	MaxBpm = 220

	// MaxContentIDLen bounds the stored content identifier.
	MaxContentIDLen = 256
)

// Submission is what a caller provides to log a sample.
type Submission struct {
	ContentID             string     `json:"contentId"`
	Handle                fhe.Handle `json:"handle"`
	Proof                 []byte     `json:"proof"`
	DeclaredPublicAverage uint32     `json:"publicAvgRate"`
	MeasurementCount      uint32     `json:"measurementCount"`
	MinBpm                uint32     `json:"minBpm"`
	MaxBpm                uint32     `json:"maxBpm"`
	IsPublic              bool       `json:"isPublic"`
}

// Sample is a committed record. Only its grants change after creation.
type Sample struct {
	ID                    uint64      `json:"id"`
	Owner                 fhe.Address `json:"owner"`
	Handle                fhe.Handle  `json:"handle"`
	ContentID             string      `json:"contentId"`
	MeasurementCount      uint32      `json:"measurementCount"`
	MinBpm                uint32      `json:"minBpm"`
	MaxBpm                uint32      `json:"maxBpm"`
	DeclaredPublicAverage uint32      `json:"publicAvgRate"`
	Timestamp             int64       `json:"timestamp"`
	IsPublic              bool        `json:"isPublic"`
}

// Synopsis is a sample's plaintext metadata without its ciphertext.
type Synopsis struct {
	ID                    uint64      `json:"id"`
	Owner                 fhe.Address `json:"owner"`
	ContentID             string      `json:"contentId"`
	MeasurementCount      uint32      `json:"measurementCount"`
	MinBpm                uint32      `json:"minBpm"`
	MaxBpm                uint32      `json:"maxBpm"`
	DeclaredPublicAverage uint32      `json:"publicAvgRate"`
	Timestamp             int64       `json:"timestamp"`
	IsPublic              bool        `json:"isPublic"`
}

// Config holds optional ledger settings.
type Config struct {
	Address fhe.Address      // Address is the ledger's contract address, bound into input proofs
	Events  events.Publisher // Events receives SampleLogged after each commit, may be nil
	Now     func() time.Time // Now stamps samples, defaults to time.Now
}

// Ledger is the ledger state machine. Mutations are serialized by mu,
// which gives every caller the same total order of submissions.
type Ledger struct {
	db      *storage.Storage
	cop     fhe.Coprocessor
	address fhe.Address
	events  events.Publisher
	now     func() time.Time

	mu     sync.RWMutex
	nextID uint64    // nextID is the id the next sample receives
	agg    aggregate // agg mirrors m:aggregate
}

// Open loads ledger state from db, initialising the aggregate to
// encryptions of zero on first use.
func Open(ctx context.Context, db *storage.Storage, cop fhe.Coprocessor, cfg Config) (*Ledger, error) {
	l := &Ledger{
		db:      db,
		cop:     cop,
		address: cfg.Address,
		events:  cfg.Events,
		now:     cfg.Now,
		nextID:  1,
	}
	if l.now == nil {
		l.now = time.Now
	}

	raw, err := db.Get(keyNextID)
	if err != nil {
		return nil, fmt.Errorf("load next id:\n%w", err)
	}
	if len(raw) == 8 {
		l.nextID = binary.BigEndian.Uint64(raw)
	}

	raw, err = db.Get(keyAggregate)
	if err != nil {
		return nil, fmt.Errorf("load aggregate:\n%w", err)
	}

	if raw != nil {
		l.agg, err = decodeAggregate(raw)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	if err := l.genesis(ctx); err != nil {
		return nil, fmt.Errorf("initialise aggregate:\n%w", err)
	}

	return l, nil
}

// genesis stores Enc(0), Enc(0) as the initial aggregate.
func (l *Ledger) genesis(ctx context.Context) error {
	sum, err := l.cop.TrivialEncrypt(ctx, 0)
	if err != nil {
		return err
	}
	count, err := l.cop.TrivialEncrypt(ctx, 0)
	if err != nil {
		return err
	}

	l.agg = aggregate{sum: sum, count: count}

	return l.db.SetBatch([]storage.KeyValue{
		{Key: keyAggregate, Value: encodeAggregate(l.agg)},
		{Key: keyNextID, Value: encodeUint64(l.nextID)},
	})
}

// Address returns the ledger's contract address.
func (l *Ledger) Address() fhe.Address { return l.address }

// SubmitSample validates and commits a sample owned by caller.
// Public samples are folded into the aggregate in the same batch.
func (l *Ledger) SubmitSample(ctx context.Context, caller fhe.Address, sub Submission) (uint64, error) {
	if err := validate(sub); err != nil {
		return 0, err
	}

	if err := l.cop.VerifyInput(ctx, sub.Handle, sub.Proof, l.address, caller); err != nil {
		if ctx.Err() != nil || errors.Is(err, fhe.ErrProofInvalid) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}

	start := time.Now()

	l.mu.Lock()

	s, err := l.commitLocked(ctx, caller, sub)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}

	l.mu.Unlock()

	logger.Debug("sample logged", "id", s.ID, "public", s.IsPublic, logger.Timed(start))

	if l.events != nil {
		evt := events.SampleLogged{
			ID:                    s.ID,
			Owner:                 s.Owner,
			DeclaredPublicAverage: s.DeclaredPublicAverage,
			MeasurementCount:      s.MeasurementCount,
			IsPublic:              s.IsPublic,
		}
		if err := l.events.Publish(ctx, evt); err != nil {
			logger.Warn("publish SampleLogged failed", "id", s.ID, "error", err)
		}
	}

	return s.ID, nil
}

// commitLocked writes the sample, its indexes, the owner grant and the
// updated aggregate as one batch. Callers hold l.mu.
func (l *Ledger) commitLocked(ctx context.Context, caller fhe.Address, sub Submission) (*Sample, error) {
	used, err := l.db.Has(makeHandleKey(sub.Handle))
	if err != nil {
		return nil, fmt.Errorf("check handle:\n%w", err)
	}
	if used {
		return nil, fmt.Errorf("%w: handle already logged", ErrProofInvalid)
	}

	s := &Sample{
		ID:                    l.nextID,
		Owner:                 caller,
		Handle:                sub.Handle,
		ContentID:             sub.ContentID,
		MeasurementCount:      sub.MeasurementCount,
		MinBpm:                sub.MinBpm,
		MaxBpm:                sub.MaxBpm,
		DeclaredPublicAverage: sub.DeclaredPublicAverage,
		Timestamp:             l.now().Unix(),
		IsPublic:              sub.IsPublic,
	}

	next := l.agg
	if s.IsPublic {
		next, err = l.foldLocked(ctx, s.Handle)
		if err != nil {
			return nil, fmt.Errorf("update aggregate:\n%w", err)
		}
	}

	b := l.db.NewBatch()
	defer b.Close()

	b.Set(makeSampleKey(s.ID), encodeSample(s))
	b.Set(makeOwnerKey(caller, s.ID), nil)
	b.Set(makeGrantKey(s.ID, caller), nil)
	b.Set(makeHandleKey(s.Handle), encodeUint64(s.ID))
	b.Set(keyNextID, encodeUint64(s.ID+1))
	if s.IsPublic {
		b.Set(keyAggregate, encodeAggregate(next))
	}

	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("commit sample:\n%w", err)
	}

	l.nextID = s.ID + 1
	l.agg = next

	return s, nil
}

// foldLocked computes the aggregate after adding handle and one to the count.
func (l *Ledger) foldLocked(ctx context.Context, handle fhe.Handle) (aggregate, error) {
	sum, err := l.cop.Add(ctx, l.agg.sum, handle)
	if err != nil {
		return aggregate{}, err
	}

	one, err := l.cop.TrivialEncrypt(ctx, 1)
	if err != nil {
		return aggregate{}, err
	}

	count, err := l.cop.Add(ctx, l.agg.count, one)
	if err != nil {
		return aggregate{}, err
	}

	return aggregate{sum: sum, count: count, contributions: l.agg.contributions + 1}, nil
}

// validate applies the numeric and size bounds to a submission.
func validate(sub Submission) error {
	if sub.MeasurementCount < 1 {
		return fmt.Errorf("%w: measurement count must be at least 1", ErrValueOutOfRange)
	}
	if !inRange(sub.MinBpm) || !inRange(sub.MaxBpm) {
		return fmt.Errorf("%w: min/max must be between %d and %d", ErrValueOutOfRange, MinBpm, MaxBpm)
	}
	if sub.MinBpm > sub.MaxBpm {
		return fmt.Errorf("%w: min %d above max %d", ErrValueOutOfRange, sub.MinBpm, sub.MaxBpm)
	}
	if sub.IsPublic && !inRange(sub.DeclaredPublicAverage) {
		return fmt.Errorf("%w: public average must be between %d and %d", ErrValueOutOfRange, MinBpm, MaxBpm)
	}
	if !sub.IsPublic && sub.DeclaredPublicAverage != 0 {
		return fmt.Errorf("%w: private samples declare no average", ErrValueOutOfRange)
	}
	if len(sub.ContentID) > MaxContentIDLen {
		return fmt.Errorf("%w: content id longer than %d bytes", ErrValueOutOfRange, MaxContentIDLen)
	}
	if sub.Handle.IsZero() {
		return fmt.Errorf("%w: zero handle", ErrProofInvalid)
	}

	return nil
}

func inRange(v uint32) bool {
	return v >= MinBpm && v <= MaxBpm
}

// GrantAccess lets grantee decrypt sample id. Only the owner may grant.
// Granting twice is a no-op.
func (l *Ledger) GrantAccess(_ context.Context, caller fhe.Address, id uint64, grantee fhe.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.loadSample(id)
	if err != nil {
		return err
	}
	if s.Owner != caller {
		return fmt.Errorf("%w: only the owner may grant sample %d", ErrNotAuthorized, id)
	}

	if err := l.db.Set(makeGrantKey(id, grantee), nil); err != nil {
		return fmt.Errorf("store grant:\n%w", err)
	}

	return nil
}

// AuthorizeCollectiveAccess grants caller decryption of the aggregate.
func (l *Ledger) AuthorizeCollectiveAccess(_ context.Context, caller fhe.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.Set(makeGrantKey(aggregateTarget, caller), nil); err != nil {
		return fmt.Errorf("store aggregate grant:\n%w", err)
	}

	return nil
}

// RetrieveSample returns the sample with the given id.
func (l *Ledger) RetrieveSample(_ context.Context, id uint64) (*Sample, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.loadSample(id)
}

// SampleSynopsis returns the sample's metadata without its handle.
func (l *Ledger) SampleSynopsis(ctx context.Context, id uint64) (*Synopsis, error) {
	s, err := l.RetrieveSample(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Synopsis{
		ID:                    s.ID,
		Owner:                 s.Owner,
		ContentID:             s.ContentID,
		MeasurementCount:      s.MeasurementCount,
		MinBpm:                s.MinBpm,
		MaxBpm:                s.MaxBpm,
		DeclaredPublicAverage: s.DeclaredPublicAverage,
		Timestamp:             s.Timestamp,
		IsPublic:              s.IsPublic,
	}, nil
}

// ListSamplesForOwner returns owner's sample ids in insertion order.
func (l *Ledger) ListSamplesForOwner(_ context.Context, owner fhe.Address) ([]uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prefix := makeOwnerPrefix(owner)
	ids := []uint64{}

	err := l.db.IteratePrefix(prefix, func(key, _ []byte) error {
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("malformed owner key %x", key)
		}
		ids = append(ids, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan owner index:\n%w", err)
	}

	return ids, nil
}

// AggregateHandles returns the current encrypted sum and count.
func (l *Ledger) AggregateHandles(_ context.Context) (fhe.Handle, fhe.Handle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.agg.sum, l.agg.count, nil
}

// TotalSamples returns the number of samples ever logged.
func (l *Ledger) TotalSamples(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.nextID - 1, nil
}

// HasGrant reports whether grantee may decrypt sample id.
func (l *Ledger) HasGrant(_ context.Context, id uint64, grantee fhe.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Has(makeGrantKey(id, grantee))
}

// Allowed implements fhe.ACL. A handle is decryptable by who when it is a
// sample's handle and who holds a grant on that sample, or when it is one
// of the current aggregate handles and who holds the aggregate grant.
func (l *Ledger) Allowed(_ context.Context, handle fhe.Handle, who fhe.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if handle.IsZero() {
		return false, nil
	}

	if handle == l.agg.sum || handle == l.agg.count {
		return l.db.Has(makeGrantKey(aggregateTarget, who))
	}

	raw, err := l.db.Get(makeHandleKey(handle))
	if err != nil {
		return false, err
	}
	if len(raw) != 8 {
		return false, nil
	}

	return l.db.Has(makeGrantKey(binary.BigEndian.Uint64(raw), who))
}

// loadSample reads and decodes a sample. Callers hold l.mu.
func (l *Ledger) loadSample(id uint64) (*Sample, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: id 0", ErrNotFound)
	}

	raw, err := l.db.Get(makeSampleKey(id))
	if err != nil {
		return nil, fmt.Errorf("load sample %d:\n%w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	return decodeSample(raw)
}
