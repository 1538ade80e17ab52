package execution

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// CommitCoordinator abstracts the consumer side of the Kafka client so the
// Worker loop can be driven without a broker.
type CommitCoordinator interface {
	// PollRecords polls records from Kafka.
	PollRecords(ctx context.Context, maxRecords int) kgo.Fetches

	// Commit commits the offsets of the given, fully settled records.
	Commit(ctx context.Context, records []*kgo.Record) error

	// AllowRebalance unblocks a rebalance held back since the last poll.
	AllowRebalance()

	// Close leaves the group and closes the underlying client.
	Close()
}

// Producer writes dead-lettered records.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// clientCoordinator implements CommitCoordinator for at-least-once delivery on
// a consumer group client with auto commit disabled.
type clientCoordinator struct {
	client *kgo.Client
}

// NewClientCoordinator wraps a group consuming client. The client must be
// created with kgo.DisableAutoCommit and kgo.BlockRebalanceOnPoll.
func NewClientCoordinator(client *kgo.Client) CommitCoordinator {
	return &clientCoordinator{client: client}
}

func (c *clientCoordinator) PollRecords(ctx context.Context, maxRecords int) kgo.Fetches {
	return c.client.PollRecords(ctx, maxRecords)
}

func (c *clientCoordinator) Commit(ctx context.Context, records []*kgo.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.client.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (c *clientCoordinator) AllowRebalance() {
	c.client.AllowRebalance()
}

func (c *clientCoordinator) Close() {
	c.client.Close()
}
