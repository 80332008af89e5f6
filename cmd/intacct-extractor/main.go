package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/internal/actions"
	"github.com/ajitpratap0/intacct-extractor/internal/pipeline"
	"github.com/ajitpratap0/intacct-extractor/pkg/config"
	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
	"github.com/ajitpratap0/intacct-extractor/pkg/logger"
	"github.com/ajitpratap0/intacct-extractor/pkg/metrics"
	"github.com/ajitpratap0/intacct-extractor/pkg/observability"
	"github.com/ajitpratap0/intacct-extractor/pkg/output"
	"github.com/ajitpratap0/intacct-extractor/pkg/state"
)

var version = "0.1.0"

// Exit codes.
const (
	exitOK       = 0
	exitUser     = 1
	exitInternal = 2
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps configuration, credential and upstream failures to 1 and
// everything else to 2.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.IsUserError(err) {
		return exitUser
	}
	return exitInternal
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("INTACCT_EXTRACTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "intacct-extractor",
		Short: "Extract Sage Intacct objects into tables",
		Long: `intacct-extractor reads objects from the Sage Intacct REST API and writes
one table per configured endpoint, with full or incremental loads.

Credentials rotate on every refresh; the current refresh token and the
per-object watermarks live in the configured state backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "config.yaml", "Path to the YAML configuration file")
	flags.String("log-level", "", "Log level override (debug, info, warn, error)")
	flags.String("state-backend", "", "State backend override (file, sqlite, redis, postgres, memory)")
	flags.Duration("timeout", 0, "Abort the command after this duration (0 = no limit)")
	_ = v.BindPFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "intacct-extractor v%s\n", version)
			fmt.Fprintf(stdout, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(stdout, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Extract every configured endpoint",
		Long: `Extract every configured endpoint in order. Each object's watermark is
committed after its table; a failed object is reported and the next one
continues unless reliability.fail_fast is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, app *app) error {
				return app.run(ctx, stdout)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-endpoints",
		Short: "List the objects available for extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, app *app) error {
				elements, err := actions.ListEndpoints(ctx, app.session.Client)
				if err != nil {
					return err
				}
				return actions.Write(stdout, elements)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-columns [endpoint]",
		Short: "List the fields of an endpoint",
		Long:  "List the fields of an endpoint. Defaults to the first configured endpoint.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, app *app) error {
				elements, err := actions.ListColumns(ctx, app.session.Client, app.endpoint(args))
				if err != nil {
					return err
				}
				return actions.Write(stdout, elements)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list-primary-keys [endpoint]",
		Short: "List primary key candidates of an endpoint",
		Long:  "List primary key candidates of an endpoint, then its other fields. Defaults to the first configured endpoint.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, app *app) error {
				elements, err := actions.ListPrimaryKeys(ctx, app.session.Client, app.endpoint(args))
				if err != nil {
					return err
				}
				return actions.Write(stdout, elements)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "test-connection",
		Short: "Verify the stored credentials against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, app *app) error {
				status, err := actions.TestConnection(ctx, app.session.Client)
				if err != nil {
					return err
				}
				return actions.Write(stdout, status)
			})
		},
	})

	return root
}

// app holds everything a command needs for one invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *state.Store
	tracing  *observability.Tracing
	uploader output.Uploader
	session  *pipeline.Session
	metrics  *metrics.Collector
}

// withApp loads configuration, opens state and the API session, runs fn and
// releases everything afterwards.
func withApp(parent context.Context, v *viper.Viper, fn func(ctx context.Context, app *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout := v.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel(),
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	log := logger.Get().With(zap.String("component", "intacct-extractor"))
	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, log: log, metrics: metrics.NewCollector(nil)}
	defer a.close()

	a.tracing, err = observability.Init(ctx, cfg.Tracing,
		observability.WithWriter(os.Stderr),
		observability.WithVersion(version),
		observability.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
	}

	backend, err := state.OpenBackend(ctx, cfg.State)
	if err != nil {
		return err
	}
	a.store, err = state.NewStore(ctx, backend, state.WithLogger(log))
	if err != nil {
		_ = backend.Close()
		return err
	}

	a.uploader, err = output.NewUploader(ctx, cfg.Output.Upload, log)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithTracer(a.tracing.Tracer("github.com/ajitpratap0/intacct-extractor")),
	}
	if a.uploader != nil {
		opts = append(opts, pipeline.WithUploader(a.uploader))
	}
	a.session = pipeline.NewSession(cfg, a.store, opts...)

	return fn(ctx, a)
}

func (a *app) close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Warn("failed to close session", zap.Error(err))
		}
	}
	if a.uploader != nil {
		if err := a.uploader.Close(); err != nil {
			a.log.Warn("failed to close uploader", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close state store", zap.Error(err))
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
}

func (a *app) run(ctx context.Context, stdout io.Writer) error {
	runner, err := pipeline.NewRunner(a.session)
	if err != nil {
		return err
	}
	report, runErr := runner.Run(ctx)
	if report != nil {
		if err := actions.Write(stdout, report); err != nil {
			a.log.Warn("failed to print run report", zap.Error(err))
		}
	}
	return runErr
}

// endpoint returns the endpoint named on the command line or the first
// configured one.
func (a *app) endpoint(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if len(a.cfg.Endpoints) > 0 {
		return a.cfg.Endpoints[0].Object()
	}
	return ""
}

// loadConfig reads the configuration file and applies flag and environment
// overrides before validating it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.Load(v.GetString("config"), cfg); err != nil {
		return nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if backend := v.GetString("state-backend"); backend != "" {
		cfg.State.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
