package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slack-indexer/internal/sink"
	"slack-indexer/internal/status"
)

type inspectOptions struct {
	sample  int
	samples int
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize what is in the vector store",
		Long: `Print vector store statistics and a breakdown of a sample of stored
chunks by channel and update type, including how many were posted in the
last 24 hours.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, opts, cmd)
		},
	}

	def := status.DefaultInspectOptions()
	cmd.Flags().IntVar(&opts.sample, "sample", def.SampleSize, "number of vectors to sample")
	cmd.Flags().IntVar(&opts.samples, "show", def.Samples, "number of sample chunks to print")

	return cmd
}

func runInspect(rootOpts *RootOptions, opts *inspectOptions, cmd *cobra.Command) error {
	cfg, err := rootOpts.Config()
	if err != nil {
		return err
	}

	snk, err := sink.Build(cfg.Vector.DSN, cfg.SinkOptions())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid vector.dsn", err)
	}
	defer func() {
		if err := snk.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close vector sink")
		}
	}()

	inspectOpts := status.DefaultInspectOptions()
	inspectOpts.SampleSize = opts.sample
	inspectOpts.Samples = opts.samples
	rep, err := status.Inspect(cmd.Context(), snk, inspectOpts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to inspect vector store", err)
	}

	return rootOpts.printer(cmd).emit(rep, func(w io.Writer) {
		fmt.Fprintf(w, "Backend: %s\n", rep.Stats.Backend)
		fmt.Fprintf(w, "Vectors: %d (dimension %d)\n", rep.Stats.Vectors, rep.Stats.Dimension)
		if rep.Sampled == 0 {
			return
		}
		fmt.Fprintf(w, "Sampled %d chunks, %d from the last %s\n", rep.Sampled, rep.Recent, rep.RecentSpan)
		fmt.Fprintln(w, "By channel:")
		for _, name := range rep.Channels() {
			fmt.Fprintf(w, "  %s: %d\n", name, rep.ByChannel[name])
		}
		fmt.Fprintln(w, "By update type:")
		for pass, n := range rep.ByPass {
			fmt.Fprintf(w, "  %s: %d\n", pass, n)
		}
		for _, s := range rep.Samples {
			fmt.Fprintf(w, "- %s [%s] %s\n", s.Key, s.Channel, s.Preview)
		}
	})
}
