package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dwaynemcyrus/anchored"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the operation queue",
	Long: `Inspect the queue of local changes waiting for the remote.

Entries that fail are retried with capped exponential backoff. After the
last attempt they are marked failed and kept until retried or dismissed.`,
}

var queueFailedOnly bool

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued changes in replay order",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
			var entries []anchored.QueueEntry
			var err error
			if queueFailedOnly {
				entries, err = client.FailedEntries()
			} else {
				entries, err = client.QueueEntries(anchored.ListOptions{IncludeDeferred: true, IncludeFailed: true})
			}
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}
			return outputQueue(cmd, entries)
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Re-arm a failed entry for the next sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
			entry, err := client.RetryEntry(args[0])
			if err != nil {
				return fmt.Errorf("retry %s: %w", args[0], err)
			}
			if outputJSON || outputYAML {
				return output(cmd, entry, nil)
			}
			printSuccess(cmd.OutOrStdout(), "Entry %s re-armed; it is pushed on the next sync", entry.ID)
			return nil
		})
	},
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss <entry-id>",
	Short: "Drop an entry without applying it remotely",
	Long: `Drop a queue entry without applying it remotely. The local record keeps
its changes and stays unsynced; if it is still unsynced the next time a
client opens the database, it is queued again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
			if err := client.DismissEntry(args[0]); err != nil {
				return fmt.Errorf("dismiss %s: %w", args[0], err)
			}
			printSuccess(cmd.OutOrStdout(), "Entry %s dismissed", args[0])
			return nil
		})
	},
}

func init() {
	queueListCmd.Flags().BoolVar(&queueFailedOnly, "failed", false, "Only entries that exhausted their retries")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueDismissCmd)
}
