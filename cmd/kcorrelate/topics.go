package main

import (
	"fmt"

	"github.com/birdayz/kcorrelate"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the topics used by the correlator",
	}

	var (
		partitions        int32
		replicationFactor int16
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the stream, output and DLQ topics",
		Long: `Create every topic named in the configuration. Existing topics are left
untouched.

Examples:
  kcorrelate topics create -p 6 -r 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := kcorrelate.New(cfg.AppOptions(log)...)
			if err != nil {
				return err
			}

			client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := kcorrelate.CreateTopics(cmd.Context(), client, partitions, replicationFactor, app.Topics()...); err != nil {
				return err
			}
			for _, t := range app.Topics() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	create.Flags().Int32VarP(&partitions, "partitions", "p", 1, "Partitions per topic")
	create.Flags().Int16VarP(&replicationFactor, "replication-factor", "r", 1, "Replication factor")

	cmd.AddCommand(create)
	return cmd
}
