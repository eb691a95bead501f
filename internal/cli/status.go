package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/config"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/status"
)

type statusOptions struct {
	strict bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint health per channel",
		Long: `Read the state directory and report when each channel last synced,
whether it is stale, how many message IDs are remembered and whether a
legacy checkpoint is still around. Never modifies state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit 1 unless every channel is healthy")

	return cmd
}

func runStatus(rootOpts *RootOptions, opts *statusOptions, cmd *cobra.Command) error {
	cfg, err := rootOpts.Config()
	if err != nil {
		return err
	}

	reporterOpts := status.Options{StaleAfter: cfg.StaleAfter()}
	if q := openQueueIfPresent(cfg); q != nil {
		defer q.Close()
		reporterOpts.Queue = q
	}

	store := checkpoint.NewStore(cfg.CheckpointOptions())
	rep, err := status.NewReporter(store, reporterOpts).Report()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read state", err)
	}

	if err := rootOpts.printer(cmd).emit(rep, func(w io.Writer) { writeStatus(w, rep) }); err != nil {
		return err
	}
	if opts.strict && rep.Health != status.HealthHealthy {
		return NewExitError(ExitFailure, fmt.Sprintf("state is %s", rep.Health))
	}
	return nil
}

// openQueueIfPresent opens the retry queue only when its database already
// exists, so status never creates files.
func openQueueIfPresent(cfg *config.Config) *queue.Queue {
	if !cfg.Queue.Enabled {
		return nil
	}
	if _, err := os.Stat(cfg.Queue.Path); err != nil {
		return nil
	}
	q, err := queue.New(cfg.QueueConfig())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open retry queue")
		return nil
	}
	return q
}

func writeStatus(w io.Writer, rep *status.Report) {
	fmt.Fprintf(w, "State: %s (%s)\n", rep.StateDir, rep.Health)

	if !rep.TrackingExists {
		fmt.Fprintln(w, "No channel tracking file yet.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  CHANNEL\tLAST MESSAGE (UTC)\tAGE\tSTATUS\tNOTE\t")
		for _, s := range rep.Sources {
			note := s.Note
			if s.Migrated && note == "" {
				note = "migrated"
			}
			age := "-"
			if s.Verdict != status.VerdictNever {
				age = humanAge(s.Age)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t\n", s.Name, orDash(s.Readable), age, s.Verdict, note)
		}
		_ = tw.Flush()
	}

	fmt.Fprintf(w, "Processed message IDs: %d\n", rep.ProcessedIDs)
	if rep.LastRun != nil {
		fmt.Fprintf(w, "Last run: %s\n", rep.LastRun.UTC().Format(time.RFC3339))
	}
	if rep.LegacyExists {
		fmt.Fprintf(w, "Legacy %s present (last_update %.6f)\n", checkpoint.LegacyFile, rep.LegacyWatermark)
	}
	if m := rep.Migration; m != nil {
		fmt.Fprintf(w, "Migrated %s: %d channels, success=%t\n", m.MigrationDate, m.NewSystem.ChannelsTracked, m.Success)
	}
	if q := rep.Queue; q != nil {
		fmt.Fprintf(w, "Retry queue: %d pending, %d expired\n", q.PendingCount, q.ExpiredCount)
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
