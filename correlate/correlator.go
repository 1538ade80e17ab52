package correlate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrEmptyKey    = errors.New("correlate: empty correlation key")
	ErrUnknownKind = errors.New("correlate: kind is not required")
)

const (
	DefaultShards             = 64
	DefaultCompletedRetention = 15 * time.Minute
)

// Stager receives a composite inside the completion critical section, before
// the partial record is dropped. Implementations must not block or do I/O.
type Stager interface {
	Stage(Composite)
}

type Option func(*Correlator)

// WithClock replaces time.Now. The clock must carry monotonic readings for
// eviction to be immune to wall clock jumps.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		c.now = now
	}
}

// WithShards sets the number of independently locked partitions of the store.
func WithShards(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.numShards = n
		}
	}
}

// WithCompletedRetention sets how long a completed key keeps answering
// AlreadyCompleted. Zero disables tombstones.
func WithCompletedRetention(d time.Duration) Option {
	return func(c *Correlator) {
		c.completedRetention = d
	}
}

func WithStager(s Stager) Option {
	return func(c *Correlator) {
		c.stager = s
	}
}

func WithLog(log *slog.Logger) Option {
	return func(c *Correlator) {
		if log != nil {
			c.log = log
		}
	}
}

// Correlator joins payloads of different kinds that share a correlation key.
// It is safe for concurrent use.
type Correlator struct {
	required           KindSet
	shards             []*shard
	numShards          int
	now                func() time.Time
	completedRetention time.Duration
	stager             Stager
	log                *slog.Logger
}

type shard struct {
	mu        sync.Mutex
	records   map[string]*partialRecord
	completed map[string]time.Time
}

func New(required KindSet, opts ...Option) *Correlator {
	c := &Correlator{
		required:           required,
		numShards:          DefaultShards,
		now:                time.Now,
		completedRetention: DefaultCompletedRetention,
		log:                slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.shards = make([]*shard, c.numShards)
	for i := range c.shards {
		c.shards[i] = &shard{
			records:   map[string]*partialRecord{},
			completed: map[string]time.Time{},
		}
	}

	return c
}

func (c *Correlator) Required() KindSet {
	return c.required
}

func (c *Correlator) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Ingest stores payload under kind for key. The call that supplies the last
// missing kind gets Completed; the record is removed in the same critical
// section, so concurrent callers for the same key see Pending or
// AlreadyCompleted.
func (c *Correlator) Ingest(key string, kind Kind, payload any) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	if !c.required.Contains(kind) {
		return Result{}, fmt.Errorf("%w: %q not in %s", ErrUnknownKind, kind, c.required)
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()

	if completedAt, ok := s.completed[key]; ok {
		if c.completedRetention > 0 && now.Sub(completedAt) < c.completedRetention {
			c.log.Debug("Dropping arrival for completed key", "key", key, "kind", kind)
			return Result{Outcome: AlreadyCompleted}, nil
		}
		delete(s.completed, key)
	}

	rec, ok := s.records[key]
	if !ok {
		rec = newPartialRecord(now)
		s.records[key] = rec
	}
	rec.parts[kind] = payload

	if !rec.complete(c.required) {
		return Result{Outcome: Pending, Present: rec.present()}, nil
	}

	composite := Composite{
		Key:         key,
		Parts:       rec.parts,
		FirstSeen:   rec.firstSeen,
		CompletedAt: now,
	}
	if c.stager != nil {
		c.stager.Stage(composite)
	}
	delete(s.records, key)
	if c.completedRetention > 0 {
		s.completed[key] = now
	}

	return Result{Outcome: Completed, Composite: composite, Present: c.required.Kinds()}, nil
}

// Evict removes records older than maxAge that have not completed, and drops
// expired completion tombstones. Each shard is locked once per call.
func (c *Correlator) Evict(maxAge time.Duration) []Expired {
	var expired []Expired
	for _, s := range c.shards {
		expired = append(expired, c.evictShard(s, maxAge)...)
	}
	slices.SortFunc(expired, func(a, b Expired) int {
		return strings.Compare(a.Key, b.Key)
	})
	return expired
}

func (c *Correlator) evictShard(s *shard, maxAge time.Duration) []Expired {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()

	var expired []Expired
	for key, rec := range s.records {
		age := now.Sub(rec.firstSeen)
		if age < maxAge {
			continue
		}
		expired = append(expired, Expired{
			Key:       key,
			FirstSeen: rec.firstSeen,
			Age:       age,
			Present:   rec.present(),
			Missing:   c.required.Missing(rec.parts),
		})
		delete(s.records, key)
	}

	for key, completedAt := range s.completed {
		if now.Sub(completedAt) >= c.completedRetention {
			delete(s.completed, key)
		}
	}

	return expired
}

// Len returns the number of live partial records.
func (c *Correlator) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
