package emit

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
)

// Outbox holds completed composites until their publish succeeds. An entry is
// claimed by at most one publisher at a time.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*outboxEntry
	now     func() time.Time
}

type outboxEntry struct {
	composite correlate.Composite
	stagedAt  time.Time
	claimed   bool
	attempts  int
	// next is a later completion of the same key staged while composite
	// was claimed.
	next *correlate.Composite
}

func NewOutbox() *Outbox {
	return &Outbox{
		entries: map[string]*outboxEntry{},
		now:     time.Now,
	}
}

// Stage records c. If the key is currently claimed, c is queued behind the
// claim and becomes the staged entry once the claim is removed or released.
// It is then published by the redrive loop.
func (o *Outbox) Stage(c correlate.Composite) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[c.Key]; ok && e.claimed {
		e.next = &c
		return
	}
	o.entries[c.Key] = &outboxEntry{composite: c, stagedAt: o.now()}
}

// Claim marks the entry for c as being published, staging it first if
// needed. It returns false if another publisher holds the claim.
func (o *Outbox) Claim(c correlate.Composite) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[c.Key]
	if !ok {
		e = &outboxEntry{composite: c, stagedAt: o.now()}
		o.entries[c.Key] = e
	}
	if e.claimed {
		return false
	}
	e.claimed = true
	e.attempts++
	return true
}

// Release gives up a claim after a failed publish; the entry stays staged.
// A queued later completion replaces the claimed composite.
func (o *Outbox) Release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		e.claimed = false
		if e.next != nil {
			e.composite = *e.next
			e.next = nil
		}
	}
}

// Remove drops the claimed composite of key. A queued later completion stays
// staged.
func (o *Outbox) Remove(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[key]
	if !ok {
		return
	}
	if e.next != nil {
		o.entries[key] = &outboxEntry{composite: *e.next, stagedAt: o.now()}
		return
	}
	delete(o.entries, key)
}

// ClaimStale claims every unclaimed entry staged at or before cutoff and
// returns them ordered by key.
func (o *Outbox) ClaimStale(cutoff time.Time) []correlate.Composite {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []correlate.Composite
	for _, e := range o.entries {
		if e.claimed || e.stagedAt.After(cutoff) {
			continue
		}
		e.claimed = true
		e.attempts++
		out = append(out, e.composite)
	}
	slices.SortFunc(out, func(a, b correlate.Composite) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Attempts returns how many times key has been claimed for publishing.
func (o *Outbox) Attempts(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key]; ok {
		return e.attempts
	}
	return 0
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
