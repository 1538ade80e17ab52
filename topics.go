package kcorrelate

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
)

// CreateTopics creates topics that do not exist yet. Existing topics are left
// untouched.
func CreateTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, dedupe(topics)...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	return topicErrors(resps)
}

func topicErrors(resps kadm.CreateTopicResponses) error {
	var err error
	for _, r := range resps.Sorted() {
		if r.Err == nil || errors.Is(r.Err, kerr.TopicAlreadyExists) {
			continue
		}
		err = multierr.Append(err, fmt.Errorf("create topic %s: %w", r.Topic, r.Err))
	}
	return err
}

func dedupe(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := topics[:0:0]
	for _, t := range topics {
		if _, ok := seen[t]; ok || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
