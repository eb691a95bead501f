package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/source"
)

type resetOptions struct {
	to             string
	hoursAgo       float64
	clearProcessed bool
}

// ResetResult is what the reset command reports.
type ResetResult struct {
	Channels       []string `json:"channels"`
	Watermark      float64  `json:"watermark"`
	Readable       string   `json:"watermark_readable"`
	ClearedIDs     bool     `json:"cleared_processed_ids"`
	ProcessedCount int      `json:"processed_ids"`
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &resetOptions{}

	cmd := &cobra.Command{
		Use:   "reset [channel...]",
		Short: "Move channel checkpoints to a given time",
		Long: `Set the checkpoint of the named channels (every tracked channel when
none are named) so the next sync starts from that time. This is the only
way a checkpoint moves backwards.

Without --to or --hours-ago the default lookback is used. Re-synced
messages still in the processed ID set are skipped unless
--clear-processed is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.to, "to", "", "target time, RFC3339 or unix seconds")
	cmd.Flags().Float64Var(&opts.hoursAgo, "hours-ago", 0, "target time relative to now")
	cmd.Flags().BoolVar(&opts.clearProcessed, "clear-processed", false, "forget processed message IDs")
	cmd.MarkFlagsMutuallyExclusive("to", "hours-ago")

	return cmd
}

func runReset(rootOpts *RootOptions, opts *resetOptions, args []string, cmd *cobra.Command) error {
	cfg, err := rootOpts.Config()
	if err != nil {
		return err
	}

	now := time.Now()
	watermark, err := resetTarget(opts, now, cfg.CheckpointOptions().DefaultLookback)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid reset target", err)
	}

	names := make([]string, 0, len(args))
	for _, a := range args {
		names = append(names, source.TrimChannelPrefix(a))
	}

	store := checkpoint.NewStore(cfg.CheckpointOptions())
	rec, err := store.Reset(names, watermark, opts.clearProcessed)
	if err != nil {
		return WrapExitError(ExitFailure, "reset failed", err)
	}
	if len(names) == 0 {
		names = sortedNames(rec)
	}

	result := &ResetResult{
		Channels:       names,
		Watermark:      watermark,
		Readable:       source.TimeOf(watermark).UTC().Format("2006-01-02 15:04:05"),
		ClearedIDs:     opts.clearProcessed,
		ProcessedCount: rec.Processed.Len(),
	}
	return rootOpts.printer(cmd).emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "Reset %d channels to %s UTC (%.6f)\n", len(result.Channels), result.Readable, result.Watermark)
		for _, name := range result.Channels {
			fmt.Fprintf(w, "  %s\n", name)
		}
		if result.ClearedIDs {
			fmt.Fprintln(w, "Processed message IDs cleared.")
		}
	})
}

func resetTarget(opts *resetOptions, now time.Time, lookback time.Duration) (float64, error) {
	switch {
	case opts.to != "":
		if ts, err := strconv.ParseFloat(opts.to, 64); err == nil {
			if ts <= 0 {
				return 0, fmt.Errorf("--to must be positive, got %q", opts.to)
			}
			return ts, nil
		}
		t, err := time.Parse(time.RFC3339, opts.to)
		if err != nil {
			return 0, fmt.Errorf("--to %q is neither RFC3339 nor unix seconds", opts.to)
		}
		return source.Seconds(t), nil
	case opts.hoursAgo < 0:
		return 0, fmt.Errorf("--hours-ago must not be negative, got %g", opts.hoursAgo)
	case opts.hoursAgo > 0:
		return source.Seconds(now.Add(-time.Duration(opts.hoursAgo * float64(time.Hour)))), nil
	default:
		if lookback <= 0 {
			lookback = checkpoint.DefaultLookback
		}
		return source.Seconds(now.Add(-lookback)), nil
	}
}

func sortedNames(rec *checkpoint.Record) []string {
	names := make([]string, 0, len(rec.Sources))
	for name := range rec.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
