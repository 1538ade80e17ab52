package correlate

import (
	"fmt"
	"slices"
	"strings"
)

// Kind names the stream an event arrived on.
type Kind string

// Well-known stream kinds. Any other value is valid as long as it is part of the
// configured required set.
const (
	KindOrder     Kind = "order"
	KindInventory Kind = "inventory"
	KindPayment   Kind = "payment"
)

func (k Kind) String() string {
	return string(k)
}

// ParseKind normalizes s into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return "", fmt.Errorf("%w: empty kind", ErrUnknownKind)
	}
	return k, nil
}

// KindSet is an immutable, ordered set of kinds. The zero value is empty.
type KindSet struct {
	kinds []Kind
	index map[Kind]struct{}
}

// NewKindSet builds a set from kinds, dropping duplicates and empty values.
func NewKindSet(kinds ...Kind) KindSet {
	s := KindSet{index: make(map[Kind]struct{}, len(kinds))}
	for _, k := range kinds {
		if k == "" {
			continue
		}
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = struct{}{}
		s.kinds = append(s.kinds, k)
	}
	slices.Sort(s.kinds)
	return s
}

// DefaultKinds is the order/inventory/payment triple.
func DefaultKinds() KindSet {
	return NewKindSet(KindOrder, KindInventory, KindPayment)
}

func (s KindSet) Contains(k Kind) bool {
	_, ok := s.index[k]
	return ok
}

func (s KindSet) Len() int {
	return len(s.kinds)
}

// Kinds returns a copy of the kinds in sorted order.
func (s KindSet) Kinds() []Kind {
	return slices.Clone(s.kinds)
}

// Missing returns the kinds of s that have no entry in present.
func (s KindSet) Missing(present map[Kind]any) []Kind {
	var missing []Kind
	for _, k := range s.kinds {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (s KindSet) String() string {
	parts := make([]string, len(s.kinds))
	for i, k := range s.kinds {
		parts[i] = string(k)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
