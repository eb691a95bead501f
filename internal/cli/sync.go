package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slack-indexer/internal/chunker"
	"slack-indexer/internal/config"
	"slack-indexer/internal/sync"
)

type syncOptions struct {
	loop     bool
	interval time.Duration
	channels []string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run an incremental sync pass",
		Long: `Fetch everything posted since each channel's checkpoint, chunk it,
embed it and upsert it into the vector store, then advance the checkpoint.

Exits 0 when at least one channel synced (per-channel failures are listed
in the report), 1 when no channel made progress and 2 on configuration
errors. With --loop the pass repeats every interval until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.loop, "loop", false, "keep running, one pass per interval")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "pass interval in loop mode (default sync.interval_seconds)")
	cmd.Flags().StringSliceVar(&opts.channels, "channel", nil, "restrict the run to these channel names (repeatable)")

	return cmd
}

func runSync(rootOpts *RootOptions, opts *syncOptions, cmd *cobra.Command) error {
	cfg, err := rootOpts.Config()
	if err != nil {
		return err
	}
	if len(opts.channels) > 0 {
		cfg.Sync.Channels = opts.channels
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, closeFn, err := sync.Build(cfg)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return WrapExitError(ExitCommandError, "invalid config", err)
		}
		return WrapExitError(ExitFailure, "failed to initialize sync", err)
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sync resources")
		}
	}()

	p := rootOpts.printer(cmd)

	if opts.loop {
		interval := opts.interval
		if interval <= 0 {
			interval = cfg.Interval()
		}
		log.Info().Dur("interval", interval).Msg("Starting sync loop")
		engine.Loop(ctx, interval, func(rep *sync.Report, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Sync pass failed")
			}
			if rep != nil {
				_ = p.emit(rep, func(w io.Writer) { writeReport(w, rep) })
			}
		})
		log.Info().Msg("Sync loop stopped")
		return nil
	}

	rep, runErr := engine.RunIncrementalSync(ctx)
	if rep != nil {
		if err := p.emit(rep, func(w io.Writer) { writeReport(w, rep) }); err != nil {
			return err
		}
	}
	if runErr != nil {
		if errors.Is(runErr, chunker.ErrInvalidConfig) {
			return WrapExitError(ExitCommandError, "invalid config", runErr)
		}
		return WrapExitError(ExitFailure, "sync failed", runErr)
	}
	return nil
}

func writeReport(w io.Writer, rep *sync.Report) {
	t := rep.Totals
	fmt.Fprintf(w, "Run %s: %d channels, %d done, %d failed, %d skipped (%s)\n",
		rep.RunID, t.Sources, t.Done, t.Failed, t.Skipped, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  CHANNEL\tSTATE\tNEW\tDUPES\tCHUNKS\tFAILED\tWATERMARK\t")
	for _, res := range rep.Sources {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\t%d\t%.6f\t\n",
			res.Source, res.State, res.MessagesSeen, res.Duplicates, res.ChunksAdded, res.ChunksFailed, res.NewWatermark)
	}
	_ = tw.Flush()

	for _, res := range rep.Sources {
		if res.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", res.Source, res.Error)
		}
		if res.CommitError != "" {
			fmt.Fprintf(w, "  %s: checkpoint not saved: %s\n", res.Source, res.CommitError)
		}
	}
	if r := rep.Replayed; r.Succeeded+r.Failed+r.Purged > 0 {
		fmt.Fprintf(w, "Retry queue: %d replayed, %d still failing, %d purged\n", r.Succeeded, r.Failed, r.Purged)
	}
	fmt.Fprintf(w, "Total: %d messages, %d chunks added, %d chunks failed\n", t.MessagesSeen, t.ChunksAdded, t.ChunksFailed)
}
