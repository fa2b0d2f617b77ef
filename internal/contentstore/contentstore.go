// Package contentstore keeps off-ledger sample payloads (measurement
// series) addressed by content id, compressed with zstd.
package contentstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"PulseNebula/internal/kv"
)

// ErrTooLarge is returned when a decompressed payload exceeds the limit.
var ErrTooLarge = errors.New("payload too large")

const (
	keyPrefix = "__pulse_measurements__:"

	// maxPayload bounds a decompressed payload.
	maxPayload = 4 << 20
)

// Measurement is one reading of a series.
type Measurement struct {
	Timestamp string `json:"timestamp"`
	Bpm       uint32 `json:"bpm"`
}

// Summary is the plaintext metadata derived from a series.
type Summary struct {
	Average uint32 // Average is the rounded mean
	Min     uint32
	Max     uint32
	Count   uint32
}

// Store saves payloads in a kv.Store.
type Store struct {
	kv  kv.Store
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates a content store over store.
func New(store kv.Store) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &Store{kv: store, enc: enc, dec: dec}, nil
}

// Close releases the decoder.
func (s *Store) Close() {
	s.dec.Close()
}

// Save stores payload under cid.
func (s *Store) Save(ctx context.Context, cid string, payload []byte) error {
	if len(payload) > maxPayload {
		return ErrTooLarge
	}

	if err := s.kv.Set(ctx, keyPrefix+cid, s.enc.EncodeAll(payload, nil)); err != nil {
		return fmt.Errorf("save %s:\n%w", cid, err)
	}

	return nil
}

// Load returns the payload under cid, or false when absent.
func (s *Store) Load(ctx context.Context, cid string) ([]byte, bool, error) {
	raw, ok, err := s.kv.Get(ctx, keyPrefix+cid)
	if err != nil {
		return nil, false, fmt.Errorf("load %s:\n%w", cid, err)
	}
	if !ok {
		return nil, false, nil
	}

	payload, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s:\n%w", cid, err)
	}

	return payload, true, nil
}

// SaveMeasurements stores a series as JSON.
func (s *Store) SaveMeasurements(ctx context.Context, cid string, series []Measurement) error {
	raw, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode measurements:\n%w", err)
	}

	return s.Save(ctx, cid, raw)
}

// LoadMeasurements returns the series under cid. Missing or unreadable
// entries yield an empty series.
func (s *Store) LoadMeasurements(ctx context.Context, cid string) ([]Measurement, error) {
	raw, ok, err := s.Load(ctx, cid)
	if err != nil || !ok {
		return nil, err
	}

	var series []Measurement
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, nil
	}

	return series, nil
}

// ContentID derives the identifier of a dataset: "bafy" followed by 56
// hex digits of its blake3 hash.
func ContentID(dataset []byte) string {
	sum := blake3.Sum256(dataset)
	return "bafy" + hex.EncodeToString(sum[:])[2:58]
}

// SeriesContentID derives the identifier of a measurement series.
func SeriesContentID(series []Measurement) (string, error) {
	raw, err := json.Marshal(series)
	if err != nil {
		return "", fmt.Errorf("encode measurements:\n%w", err)
	}
	return ContentID(raw), nil
}

// Summarize computes the rounded mean, extremes and count of series.
func Summarize(series []Measurement) (Summary, bool) {
	if len(series) == 0 {
		return Summary{}, false
	}

	sum := uint64(0)
	out := Summary{Min: math.MaxUint32, Count: uint32(len(series))}

	for _, m := range series {
		sum += uint64(m.Bpm)
		out.Min = min(out.Min, m.Bpm)
		out.Max = max(out.Max, m.Bpm)
	}

	out.Average = uint32(math.Round(float64(sum) / float64(len(series))))

	return out, true
}
