package correlate

import (
	"slices"
	"time"
)

// Outcome is the result of a single Ingest call.
type Outcome int

const (
	// Pending means the record for the key is still missing required kinds.
	Pending Outcome = iota
	// Completed means this call completed the record. Exactly one caller per
	// key observes Completed.
	Completed
	// AlreadyCompleted means the key completed earlier and the arrival was
	// dropped.
	AlreadyCompleted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// Result is returned by Ingest. Composite is only set for Completed.
type Result struct {
	Outcome   Outcome
	Composite Composite
	// Present lists the kinds held by the record after the call. Empty for
	// AlreadyCompleted.
	Present []Kind
}

// Composite holds exactly one payload per required kind for one key.
type Composite struct {
	Key         string
	Parts       map[Kind]any
	FirstSeen   time.Time
	CompletedAt time.Time
}

// Part returns the payload stored for kind.
func (c Composite) Part(kind Kind) (any, bool) {
	v, ok := c.Parts[kind]
	return v, ok
}

// Expired describes a record removed by Evict before it completed.
type Expired struct {
	Key       string
	FirstSeen time.Time
	Age       time.Duration
	Present   []Kind
	Missing   []Kind
}

// partialRecord is only ever touched with its shard lock held.
type partialRecord struct {
	parts     map[Kind]any
	firstSeen time.Time
}

func newPartialRecord(now time.Time) *partialRecord {
	return &partialRecord{
		parts:     make(map[Kind]any, 3),
		firstSeen: now,
	}
}

func (r *partialRecord) present() []Kind {
	kinds := make([]Kind, 0, len(r.parts))
	for k := range r.parts {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

func (r *partialRecord) complete(required KindSet) bool {
	for _, k := range required.kinds {
		if _, ok := r.parts[k]; !ok {
			return false
		}
	}
	return true
}
