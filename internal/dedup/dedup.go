// Package dedup remembers recently seen keys so replays inside a window
// are refused.
package dedup

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultTTL is how long a key stays remembered when no TTL is given.
	DefaultTTL = 10 * time.Minute

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup tracks recently seen keys. Keys are hashed with blake3 and
// expire after the TTL.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps key hash to first-seen time (unix nano)
	mu   sync.RWMutex       // mu protects the seen map
	ttl  int64              // ttl in nanoseconds
	now  func() time.Time
	stop chan struct{} // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a tracker remembering keys for ttl. A zero ttl uses DefaultTTL.
func New(ttl time.Duration) *Dedup {
	return newWithClock(ttl, time.Now)
}

func newWithClock(ttl time.Duration, now func() time.Time) *Dedup {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  now,
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if key is new. A new key is recorded.
func (d *Dedup) Check(key []byte) bool {
	hash := blake3.Sum256(key)
	now := d.now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered keys, expired ones included until cleanup.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (d *Dedup) Close() {
	d.once.Do(func() {
		close(d.stop)
		d.wg.Wait()
	})
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries.
func (d *Dedup) cleanup() {
	now := d.now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
