package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/config"
	"slack-indexer/internal/source"
	"slack-indexer/internal/source/slack"
)

type migrateOptions struct {
	channels []string
}

// MigrateResult is what the migrate command reports.
type MigrateResult struct {
	Action    string                   `json:"action"` // already_migrated | migrated | initialized | deferred
	Channels  []string                 `json:"channels"`
	Migration *checkpoint.MigrationLog `json:"migration,omitempty"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert the legacy global checkpoint to per-channel tracking",
		Long: `Copy the single timestamp in last_update.json onto every channel and
write channel_tracking.json, processed_messages.json and migration_log.json.
The legacy file is left as it is. Without a legacy file the tracking files
are initialized at the default lookback.

Channel names come from Slack unless --channel is given.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.channels, "channel", nil, "channel names to migrate instead of listing them from Slack")

	return cmd
}

func runMigrate(rootOpts *RootOptions, opts *migrateOptions, cmd *cobra.Command) error {
	cfg, err := rootOpts.Config()
	if err != nil {
		return err
	}

	store := checkpoint.NewStore(cfg.CheckpointOptions())
	before, err := store.Inspect()
	if err != nil && !errors.Is(err, checkpoint.ErrCorruptState) {
		return WrapExitError(ExitFailure, "failed to read state", err)
	}

	result := &MigrateResult{}
	p := rootOpts.printer(cmd)
	if before != nil && before.TrackingExists {
		result.Action = "already_migrated"
		result.Migration = before.Migration
		result.Channels = sortedNames(before.Record)
		return p.emit(result, func(w io.Writer) { writeMigrate(w, result) })
	}

	known, err := knownChannels(cmd.Context(), cfg, opts.channels)
	if err != nil {
		return err
	}

	rec, err := store.LoadOrMigrate(known)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to write migrated state", err)
	}
	result.Channels = sortedNames(rec)

	after, err := store.Inspect()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read state", err)
	}
	switch {
	case after.TrackingExists:
		result.Action = "migrated"
		result.Migration = after.Migration
	case len(known) == 0:
		result.Action = "deferred"
	default:
		if err := store.Save(rec); err != nil {
			return WrapExitError(ExitFailure, "failed to initialize state", err)
		}
		result.Action = "initialized"
	}

	return p.emit(result, func(w io.Writer) { writeMigrate(w, result) })
}

func knownChannels(ctx context.Context, cfg *config.Config, names []string) ([]source.SourceRef, error) {
	if len(names) > 0 {
		refs := make([]source.SourceRef, 0, len(names))
		for _, n := range names {
			refs = append(refs, source.SourceRef{Name: source.TrimChannelPrefix(n)})
		}
		return refs, nil
	}
	if cfg.Slack.Token == "" {
		return nil, NewExitError(ExitCommandError, "slack.token (or SLACK_BOT_TOKEN) is required to list channels; pass --channel instead")
	}
	client := slack.NewClient(slack.Options{
		Token:     cfg.Slack.Token,
		BaseURL:   cfg.Slack.BaseURL,
		PageSize:  cfg.Slack.PageSize,
		PageDelay: cfg.PageDelay(),
		Policy:    cfg.RetryPolicy(),
	})
	refs, err := client.ListSources(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to list channels", err)
	}
	if len(cfg.Sync.Channels) == 0 {
		return refs, nil
	}
	var selected []source.SourceRef
	for _, n := range cfg.Sync.Channels {
		if ref, ok := source.FindByName(refs, n); ok {
			selected = append(selected, ref)
		}
	}
	return selected, nil
}

func writeMigrate(w io.Writer, r *MigrateResult) {
	switch r.Action {
	case "already_migrated":
		fmt.Fprintf(w, "Already using per-channel tracking (%d channels).\n", len(r.Channels))
	case "deferred":
		fmt.Fprintln(w, "No channels known; nothing was written.")
		return
	case "initialized":
		fmt.Fprintf(w, "No legacy checkpoint; initialized %d channels at the default lookback.\n", len(r.Channels))
	default:
		fmt.Fprintf(w, "Migrated %d channels.\n", len(r.Channels))
	}
	for _, name := range r.Channels {
		fmt.Fprintf(w, "  %s\n", name)
	}
	if m := r.Migration; m != nil && m.OldSystem.FileExisted {
		fmt.Fprintf(w, "Legacy last_update: %s\n", m.OldSystem.LastUpdateReadable)
	}
}
