package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/attendance"
	"github.com/roach88/presence/internal/offline"
)

// QueueOptions holds flags for the queue commands.
type QueueOptions struct {
	*RootOptions

	// Client overrides the HTTP attendance client (for testing).
	Client api.Client
}

// QueueListing is the output of queue list.
type QueueListing struct {
	Capacity int             `json:"capacity"`
	Entries  []offline.Entry `json:"entries"`
}

func (l QueueListing) Text() string {
	if len(l.Entries) == 0 {
		return fmt.Sprintf("Offline queue is empty (capacity %d).\n", l.Capacity)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d queued:\n", len(l.Entries), l.Capacity)
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "  %s  %-7s %s  %s  (queued %s)\n",
			e.Event.ID, e.Event.Kind, e.Event.BeaconID,
			attendance.FormatTimestamp(e.Event.Timestamp),
			attendance.FormatTimestamp(e.EnqueuedAt))
	}
	return b.String()
}

// FlushResult is the output of queue flush.
type FlushResult struct {
	offline.Report
}

func (r FlushResult) Text() string {
	switch {
	case r.Skipped:
		return "Flush skipped: another pass is running.\n"
	case !r.Reachable && r.Remaining == 0:
		return "Offline queue is empty.\n"
	case !r.Reachable:
		return fmt.Sprintf("Attendance service unreachable. %d events remain queued.\n", r.Remaining)
	}
	return fmt.Sprintf("Delivered %d (batched %d, individually %d). Failed %d. Remaining %d.\n",
		r.Batched+r.Retried, r.Batched, r.Retried, r.Failed, r.Remaining)
}

// complete reports whether the pass left nothing behind that it could
// have delivered.
func (r FlushResult) complete() bool {
	if r.Skipped {
		return true
	}
	return r.Failed == 0 && (r.Reachable || r.Remaining == 0)
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return newQueueCommand(&QueueOptions{RootOptions: rootOpts})
}

func newQueueCommand(opts *QueueOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or flush the offline queue",
		Long: `Inspect or flush the durable queue of attendance events that could not
be delivered.

Examples:
  presence queue list --db presence.db
  presence queue flush --db presence.db --api-url https://attendance.example.edu`,
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueFlushCommand(opts))
	return cmd
}

func newQueueListCommand(opts *QueueOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List queued events, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(opts, cmd)
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func newQueueFlushCommand(opts *QueueOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver queued events now",
		Long: `Run one retry pass over the offline queue immediately.

Exit codes:
  0 - Queue drained, or empty
  1 - Events remain after a failed attempt or the service was unreachable
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueFlush(opts, cmd)
		},
	}
	addConfigFlags(cmd.Flags())
	return cmd
}

func runQueueList(opts *QueueOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Listing reads the persisted entries as-is: opening the queue would
	// trim it to the configured capacity.
	entries, err := offline.ReadEntries(cmd.Context(), st, offline.DefaultKey)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read offline queue", err)
	}
	if entries == nil {
		entries = []offline.Entry{}
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = offline.DefaultCapacity
	}
	return newFormatter(cmd, opts.RootOptions).Success(QueueListing{
		Capacity: capacity,
		Entries:  entries,
	})
}

func runQueueFlush(opts *QueueOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	client, err := newClient(cfg, opts.Client, logger)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	q, err := offline.Open(ctx, st,
		offline.WithCapacity(cfg.QueueCapacity),
		offline.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open offline queue", err)
	}

	retrier := offline.NewRetrier(q, client,
		offline.WithDelay(cfg.RetryDelay),
		offline.WithBatchThreshold(cfg.BatchThreshold),
		offline.WithRetrierLogger(logger),
	)
	res := FlushResult{Report: retrier.Flush(ctx)}

	f := newFormatter(cmd, opts.RootOptions)
	if res.complete() {
		return f.Success(res)
	}
	msg := fmt.Sprintf("%d events remain queued", res.Remaining)
	if err := f.Failure(res, ErrCodeFlush, msg); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}
