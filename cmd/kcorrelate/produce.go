package main

import (
	"fmt"
	"time"

	"github.com/birdayz/kcorrelate/correlate"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"
)

func produceCmd() *cobra.Command {
	var (
		orders     int
		duplicates float64
		perSecond  float64
		seed       uint64
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce simulated order, inventory and payment events",
		Long: `Produce the three events of each simulated order to their stream topics.
Events of all orders are shuffled, so parts of one order arrive in any order
and on different topics. A fraction of events can be sent twice.

Examples:
  # 100 orders, 10% duplicated events, 50 events per second
  kcorrelate produce -n 100 --duplicates 0.1 --rate 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			topics := map[correlate.Kind]string{}
			for _, s := range cfg.Streams {
				topics[s.Kind] = s.Topic
			}

			client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
			if err != nil {
				return err
			}
			defer client.Close()

			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			sim := newSimulator(seed)
			limiter := rate.NewLimiter(rate.Limit(perSecond), 1)
			if perSecond <= 0 {
				limiter = rate.NewLimiter(rate.Inf, 0)
			}

			events := sim.batch(orders, duplicates)
			for _, e := range events {
				topic, ok := topics[e.kind]
				if !ok {
					log.Warn("No stream configured, skipping", "kind", e.kind)
					continue
				}
				if err := limiter.Wait(cmd.Context()); err != nil {
					return err
				}
				r, err := sim.record(e, topic)
				if err != nil {
					return err
				}
				if err := client.ProduceSync(cmd.Context(), r).FirstErr(); err != nil {
					return fmt.Errorf("produce to %s: %w", topic, err)
				}
				log.Debug("Produced", "topic", topic, "correlation_id", e.correlationID, "event_type", e.eventType)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "produced %d events for %d orders\n", len(events), orders)
			return nil
		},
	}

	cmd.Flags().IntVarP(&orders, "orders", "n", 10, "Number of orders to simulate")
	cmd.Flags().Float64Var(&duplicates, "duplicates", 0, "Probability that an event is sent twice")
	cmd.Flags().Float64Var(&perSecond, "rate", 0, "Events per second, 0 for unlimited")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed, 0 for time based")
	return cmd
}
