// Package headers names the Kafka record headers shared by consumers and
// producers.
package headers

import (
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	MessageID     = "message_id"
	CorrelationID = "correlation_id"
	ContentType   = "content_type"
	Subject       = "subject"
	EventType     = "eventType"
	Origin        = "origin"
	// Kind optionally names the stream kind a record belongs to.
	Kind = "kind"

	DLQReason            = "dlq.reason"
	DLQDescription       = "dlq.description"
	DLQOriginalTopic     = "dlq.original.topic"
	DLQOriginalPartition = "dlq.original.partition"
	DLQOriginalOffset    = "dlq.original.offset"
)

// Get returns the value of the last header named key.
func Get(r *kgo.Record, key string) (string, bool) {
	for i := len(r.Headers) - 1; i >= 0; i-- {
		if r.Headers[i].Key == key {
			return string(r.Headers[i].Value), true
		}
	}
	return "", false
}

// Map flattens headers into a map, later values winning.
func Map(r *kgo.Record) map[string]string {
	m := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

// FromMap builds record headers from m. Keys listed in first are emitted
// first, in that order, followed by the rest sorted by key.
func FromMap(m map[string]string, first ...string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(m))
	seen := make(map[string]struct{}, len(first))
	for _, k := range first {
		v, ok := m[k]
		if !ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	rest := make([]string, 0, len(m)-len(seen))
	for k := range m {
		if _, ok := seen[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(m[k])})
	}
	return out
}
