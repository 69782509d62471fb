package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/presence/internal/api"
	"github.com/roach88/presence/internal/config"
	"github.com/roach88/presence/internal/delivery"
	"github.com/roach88/presence/internal/engine"
	"github.com/roach88/presence/internal/metrics"
	"github.com/roach88/presence/internal/offline"
	"github.com/roach88/presence/internal/sink"
	"github.com/roach88/presence/internal/source"
	"github.com/roach88/presence/internal/status"
	"github.com/roach88/presence/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input string // observation feed, "-" for stdin

	// Client overrides the HTTP attendance client (for testing).
	Client api.Client
}

// runSummary is printed when the engine stops.
type runSummary struct {
	Primary string `json:"primary,omitempty"`
	Queued  int    `json:"queued"`
}

func (s runSummary) Text() string {
	primary := s.Primary
	if primary == "" {
		primary = "none"
	}
	return fmt.Sprintf("Engine stopped. Primary beacon: %s. Queued events: %d.\n", primary, s.Queued)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the attendance engine",
		Long: `Start the proximity attendance engine.

Beacon observations are read as JSON lines from --input, one per line:

  {"id":"AA:BB:CC:DD:EE:FF","name":"Room 101","rssi":-61}

Accepted events are delivered to the attendance service. Failed deliveries
are kept in the offline queue (in the --db database) and retried in the
background. With --status-addr the local status server is started too.

Example:
  scanner | presence run --student-id s-42 --api-url https://attendance.example.edu
  presence run --config presence.yaml --input sightings.jsonl --status-addr :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	addConfigFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.Input, "input", "-", `observation feed file ("-" for stdin)`)

	return cmd
}

// addConfigFlags registers the flags listed in config.FlagKeys.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("student-id", "", "student id stamped on every event")
	fs.String("api-url", "", "attendance service base URL")
	fs.String("api-token", "", "attendance service bearer token")
	fs.String("db", "", "path to SQLite database (default presence.db)")
	fs.String("status-addr", "", "status server listen address (disabled if empty)")
	fs.Int("rssi-threshold", 0, "in-range signal threshold in dBm")
}

// loadConfig loads configuration from the --config file, environment and
// the command's flags.
func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// newClient returns override if set, otherwise an HTTP client for cfg.
func newClient(cfg *config.Config, override api.Client, logger *slog.Logger) (api.Client, error) {
	if override != nil {
		return override, nil
	}
	if cfg.APIBaseURL == "" {
		return nil, NewExitError(ExitCommandError, "attendance service URL is required (--api-url or PRESENCE_API_BASE_URL)")
	}
	client, err := api.NewHTTPClient(api.NewStaticCredentials(cfg.Credentials()), api.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create attendance client", err)
	}
	return client, nil
}

// openStore opens the database at path, closing it when the command ends.
func openStore(path string, logger *slog.Logger) (*store.Store, func(), error) {
	logger.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}, nil
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logger := opts.logger(cmd.ErrOrStderr())

	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if cfg.StudentID == "" {
		return NewExitError(ExitCommandError, "student id is required (--student-id or PRESENCE_STUDENT_ID)")
	}
	client, err := newClient(cfg, opts.Client, logger)
	if err != nil {
		return err
	}

	input, closeInput, err := openInput(opts.Input, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer closeInput()

	st, closeStore, err := openStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	prov, err := metrics.NewProvider("presence")
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create metrics provider", err)
	}
	m, err := metrics.New(prov)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register metrics", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	q, err := offline.Open(ctx, st,
		offline.WithCapacity(cfg.QueueCapacity),
		offline.WithLogger(logger),
		offline.WithMetrics(m),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open offline queue", err)
	}
	if err := m.ObserveQueueDepth(q.Len); err != nil {
		return WrapExitError(ExitFailure, "failed to register metrics", err)
	}

	hub := sink.NewHub(sink.DefaultHistory, logger)
	disp := delivery.New(client, q,
		delivery.WithSink(hub),
		delivery.WithLogger(logger),
		delivery.WithMetrics(m),
		delivery.WithTimeout(cfg.RequestTimeout),
	)
	retrier := offline.NewRetrier(q, client,
		offline.WithInterval(cfg.RetryInterval),
		offline.WithDelay(cfg.RetryDelay),
		offline.WithBatchThreshold(cfg.BatchThreshold),
		offline.WithSink(hub),
		offline.WithRetrierLogger(logger),
		offline.WithRetrierMetrics(m),
	)

	eng, err := engine.New(cfg.Engine(),
		engine.Platform{
			Source: source.NewJSONLines(input, logger),
			Store:  st,
			Sink:   hub,
		},
		disp,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine configuration", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = retrier.Run(ctx)
	}()

	if cfg.StatusAddr != "" {
		srv := status.New(hub, q, retrier, eng,
			status.WithLogger(logger),
			status.WithMetrics(prov),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.StatusAddr); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	logger.Info("engine starting", "student", cfg.StudentID, "db", cfg.DBPath, "input", opts.Input)
	runErr := eng.Run(ctx)

	cancel()
	disp.Wait()
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}
	logger.Info("engine stopped gracefully")

	return newFormatter(cmd, opts.RootOptions).Success(runSummary{
		Primary: eng.View().Primary,
		Queued:  q.Len(),
	})
}

// openInput returns the observation feed named by path.
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
