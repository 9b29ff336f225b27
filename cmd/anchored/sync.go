package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwaynemcyrus/anchored"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull remote changes",
	Long: `Run one sync cycle against the configured remote: push the operation
queue, then pull everything changed since the last cursor.

Entries still in backoff are skipped; use 'anchored queue retry' to re-arm
failed ones.`,
	Example: `  anchored sync
  anchored sync --remote rest --remote-url https://db.example.com/rest/v1 --user-id me`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and queue counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusHealth bool

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 60*time.Second, "Give up after this long")
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Also check store and remote health")
}

func runSync(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		ctx, cancel := context.WithTimeout(ctx, syncTimeout)
		defer cancel()

		var stats *anchored.SyncStats
		err := runWithSpinner(cmd.ErrOrStderr(), "Synchronizing", func() error {
			var err error
			stats, err = client.Sync(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		return outputSyncStats(cmd, stats)
	})
}

// statusReport is the status command's structured output.
type statusReport struct {
	anchored.SyncStatus `yaml:",inline"`
	Store               *anchored.StoreStats   `json:"store,omitempty" yaml:"store,omitempty"`
	Health              *anchored.HealthStatus `json:"health,omitempty" yaml:"health,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, client *anchored.Client) error {
		report := statusReport{SyncStatus: client.Status(ctx)}
		stats, err := client.Stats()
		if err != nil {
			return fmt.Errorf("store stats: %w", err)
		}
		report.Store = stats
		if statusHealth {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			health := client.HealthCheck(hctx)
			report.Health = &health
		}

		if outputJSON || outputYAML {
			return output(cmd, report, nil)
		}
		if err := outputStatus(cmd, report.SyncStatus); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printField(w, "Documents", fmt.Sprintf("%d (%d active, %d archived, %d trashed)",
			stats.Documents, stats.Active, stats.Archived, stats.Trashed))
		printField(w, "Unsynced", fmt.Sprintf("%d documents, %d bodies", stats.Dirty, stats.DirtyBodies))
		if report.Health != nil {
			h := report.Health
			if h.Healthy {
				printSuccess(w, "healthy")
			} else {
				printError(w, "unhealthy: %s", h.Error)
			}
			printField(w, "Store OK", h.StoreOK)
			printField(w, "Remote", h.RemoteReachable)
		}
		return nil
	})
}
