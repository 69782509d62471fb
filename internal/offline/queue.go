// Package offline holds undelivered attendance events and retries them.
//
// The Queue is a bounded FIFO persisted to a store.KV after every mutation;
// the Retrier drains it against the attendance service on a timer or on
// demand.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/metrics"
	"github.com/roach88/presence/internal/store"
)

// Defaults.
const (
	DefaultCapacity = 100
	DefaultKey      = "offline/queue"
)

// formatVersion tags the persisted layout.
const formatVersion = 1

// persistTimeout bounds one write of the queue.
const persistTimeout = 5 * time.Second

// Entry is one queued event.
type Entry struct {
	Event      attendance.Event `json:"event"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Queue is a bounded, durable FIFO of undelivered events.
//
// INVARIANTS:
//   - len(entries) <= capacity
//   - every entry has Event.Synced == false
//   - the KV holds exactly the entries of the last successful mutation
//
// Thread-safety: safe for concurrent use. The dispatcher enqueues from its
// delivery goroutines while the retrier removes.
type Queue struct {
	mu       sync.Mutex
	kv       store.KV
	key      string
	capacity int
	entries  []Entry
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the maximum number of entries.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithKey sets the KV key the queue is persisted under.
func WithKey(key string) Option {
	return func(q *Queue) {
		q.key = key
	}
}

// WithNow overrides the clock used for EnqueuedAt.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithMetrics records evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// Open loads the queue persisted in kv, or starts empty.
func Open(ctx context.Context, kv store.KV, opts ...Option) (*Queue, error) {
	q := &Queue{
		kv:       kv,
		key:      DefaultKey,
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	entries, err := ReadEntries(ctx, kv, q.key)
	if err != nil {
		return nil, err
	}
	q.entries = entries

	// A smaller capacity than last run keeps the newest entries.
	if over := len(q.entries) - q.capacity; over > 0 {
		q.entries = q.entries[over:]
		if err := q.persist(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// ReadEntries decodes the queue persisted under key without opening it, so
// nothing is trimmed or written back.
func ReadEntries(ctx context.Context, kv store.KV, key string) ([]Entry, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	if p.Version != formatVersion {
		return nil, fmt.Errorf("decode offline queue: unsupported version %d", p.Version)
	}
	return p.Entries, nil
}

// Enqueue appends ev, evicting the oldest entry when full, and persists.
// The in-memory queue is updated even if persisting fails; the error is
// returned so the caller can log it.
func (q *Queue) Enqueue(ctx context.Context, ev attendance.Event) error {
	ev.Synced = false

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Event.ID == ev.ID {
			return nil
		}
	}

	q.entries = append(q.entries, Entry{Event: ev, EnqueuedAt: q.now().UTC()})
	if over := len(q.entries) - q.capacity; over > 0 {
		for _, e := range q.entries[:over] {
			q.logger.Debug("offline queue full, evicting oldest", "event", e.Event.ID, "beacon", e.Event.BeaconID, "kind", e.Event.Kind)
		}
		q.entries = append(q.entries[:0:0], q.entries[over:]...)
		q.metrics.Evicted(over)
	}
	return q.persist(ctx)
}

// Remove deletes the entries with the given event ids and persists.
// Returns how many were removed.
func (q *Queue) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if _, ok := drop[e.Event.ID]; !ok {
			kept = append(kept, e)
		}
	}
	removed := len(q.entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	q.entries = kept
	return removed, q.persist(ctx)
}

// Snapshot returns a copy of the entries, oldest first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Capacity returns the maximum number of entries.
func (q *Queue) Capacity() int {
	return q.capacity
}

// persist writes the queue. Caller holds q.mu.
//
// The write ignores cancellation of ctx: a delivery that failed because its
// deadline passed, or a retry pass stopped right after a confirmed call,
// must still reach the store.
func (q *Queue) persist(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	entries := q.entries
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.Marshal(persisted{Version: formatVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.kv.Set(ctx, q.key, raw); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}
