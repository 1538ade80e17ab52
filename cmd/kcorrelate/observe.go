package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/birdayz/kcorrelate/emit"
	"github.com/birdayz/kcorrelate/fulfillment"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
)

func observeCmd() *cobra.Command {
	var fromEnd bool

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Print composite events from the output topic",
		Long: `Consume the output topic and print one JSON line per composite event.

Examples:
  kcorrelate observe
  kcorrelate observe --from-end`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			offset := kgo.NewOffset().AtStart()
			if fromEnd {
				offset = kgo.NewOffset().AtEnd()
			}
			client, err := kgo.NewClient(
				kgo.SeedBrokers(cfg.Brokers...),
				kgo.ConsumeTopics(cfg.OutputTopic),
				kgo.ConsumeResetOffset(offset),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				fetches := client.PollFetches(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if errs := fetches.Errors(); len(errs) > 0 {
					return fmt.Errorf("fetch %s: %w", errs[0].Topic, errs[0].Err)
				}
				var iterErr error
				fetches.EachRecord(func(r *kgo.Record) {
					line, err := describe(r, cfg.Fulfillment)
					if err != nil {
						log.Warn("Skipping undecodable record", "offset", r.Offset, "error", err)
						return
					}
					iterErr = multierr.Append(iterErr, enc.Encode(line))
				})
				if iterErr != nil {
					return iterErr
				}
			}
		},
	}

	cmd.Flags().BoolVar(&fromEnd, "from-end", false, "Only print composites produced after start")
	return cmd
}

type observedComposite struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Source        string `json:"source"`
	CorrelationID any    `json:"correlationId"`
	Data          any    `json:"data"`
}

func describe(r *kgo.Record, typed bool) (observedComposite, error) {
	var data any
	if typed {
		data = &fulfillment.FulfillmentReady{}
	} else {
		data = &map[string]any{}
	}
	e, err := emit.DecodeEvent(r.Value, data)
	if err != nil {
		return observedComposite{}, err
	}
	return observedComposite{
		ID:            e.ID(),
		Type:          e.Type(),
		Source:        e.Source(),
		CorrelationID: e.Extensions()[emit.ExtensionCorrelationID],
		Data:          data,
	}, nil
}
