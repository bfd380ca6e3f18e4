// Package app assembles the broker from its components.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/topichub/internal/config"
	"github.com/nfrund/topichub/internal/envelope"
	"github.com/nfrund/topichub/internal/events"
	"github.com/nfrund/topichub/internal/logging"
	"github.com/nfrund/topichub/internal/metrics"
	"github.com/nfrund/topichub/internal/policy"
	"github.com/nfrund/topichub/internal/router"
	"github.com/nfrund/topichub/internal/server"
	"github.com/nfrund/topichub/internal/session"
	"github.com/nfrund/topichub/internal/subscription"
	"github.com/nfrund/topichub/internal/tracing"
)

const instrumentationName = "github.com/nfrund/topichub"

// Telemetry is the tracer provider and the function that flushes it.
type Telemetry struct {
	Provider trace.TracerProvider
	shutdown func(context.Context) error
}

// App is a fully wired broker.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *subscription.Registry
	Manager  *session.Manager
	Router   *router.Router
	Metrics  *metrics.Collector
	Bus      *events.Bus
	Policy   policy.Authorizer
	Server   *server.Server

	injector  do.Injector
	notifier  *events.Notifier
	telemetry *Telemetry
	otelReg   metric.Registration
	cancel    context.CancelFunc
}

type options struct {
	logger  *slog.Logger
	fs      afero.Fs
	version string
}

// Option configures New.
type Option func(*options)

// WithLogger replaces the logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFs sets the filesystem the policy file is read from. The file is only
// watched for changes on the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithVersion sets the service version reported on traces.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component for cfg. Background work (policy watching,
// event logging) runs until Close.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, o.fs)
	if o.logger != nil {
		do.ProvideValue(i, o.logger)
	} else {
		do.Provide(i, provideLogger)
	}
	do.Provide(i, func(i do.Injector) (*Telemetry, error) {
		return provideTelemetry(ctx, i, o.version)
	})
	do.Provide(i, provideBus)
	do.Provide(i, provideNotifier)
	do.Provide(i, provideCollector)
	do.Provide(i, func(i do.Injector) (policy.Authorizer, error) {
		return providePolicy(ctx, i)
	})
	do.Provide(i, provideRegistry)
	do.Provide(i, provideManager)
	do.Provide(i, provideRouter)
	do.Provide(i, provideServer)

	a := &App{injector: i, cancel: cancel}
	if err := a.resolve(ctx); err != nil {
		cancel()
		a.closeResolved(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) resolve(ctx context.Context) error {
	var err error
	if a.Config, err = do.Invoke[*config.Config](a.injector); err != nil {
		return err
	}
	if a.Logger, err = do.Invoke[*slog.Logger](a.injector); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if a.telemetry, err = do.Invoke[*Telemetry](a.injector); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if a.Bus, err = do.Invoke[*events.Bus](a.injector); err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	if a.notifier, err = do.Invoke[*events.Notifier](a.injector); err != nil {
		return fmt.Errorf("event notifier: %w", err)
	}
	if err := events.LogSink(ctx, a.Bus, a.Logger); err != nil {
		return fmt.Errorf("event log sink: %w", err)
	}
	if a.Server, err = do.Invoke[*server.Server](a.injector); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	// The server pulled in everything else.
	a.Registry = do.MustInvoke[*subscription.Registry](a.injector)
	a.Manager = do.MustInvoke[*session.Manager](a.injector)
	a.Router = do.MustInvoke[*router.Router](a.injector)
	a.Metrics = do.MustInvoke[*metrics.Collector](a.injector)
	a.Policy = do.MustInvoke[policy.Authorizer](a.injector)

	a.Metrics.AddGauge("topichub_sessions_active", "Sessions currently registered with the manager.",
		func() int64 { return int64(a.Manager.Count()) })
	a.Metrics.AddGauge("topichub_topics", "Topics with at least one subscriber.",
		func() int64 { return int64(a.Registry.Stats().Topics) })
	a.Metrics.AddGauge("topichub_subscriptions", "Topic memberships across all sessions.",
		func() int64 { return int64(a.Registry.Stats().Subscriptions) })
	a.Metrics.AddGauge("topichub_events_shed", "Lifecycle events dropped while the event bus was behind.",
		func() int64 { return int64(a.notifier.Shed()) })
	if a.otelReg, err = a.Metrics.RegisterOTel(otel.GetMeterProvider().Meter(instrumentationName)); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	return nil
}

// Run serves until ctx is done and then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	err := a.Server.Start(ctx)
	if cerr := a.Close(context.Background()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Close stops background work and flushes telemetry. It does not close live
// sessions; Run and Server.Shutdown do that.
func (a *App) Close(ctx context.Context) error {
	a.cancel()
	return a.closeResolved(ctx)
}

func (a *App) closeResolved(ctx context.Context) error {
	var errs []error
	if a.otelReg != nil {
		if err := a.otelReg.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("unregister metrics: %w", err))
		}
		a.otelReg = nil
	}
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
		a.notifier = nil
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
		a.Bus = nil
	}
	if a.telemetry != nil {
		if err := a.telemetry.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		a.telemetry = nil
	}
	return errors.Join(errs...)
}

func provideLogger(i do.Injector) (*slog.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return logging.New(cfg.LogFormat, cfg.LogLevel)
}

func provideTelemetry(ctx context.Context, i do.Injector, version string) (*Telemetry, error) {
	cfg := do.MustInvoke[*config.Config](i)
	provider, shutdown, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, err
	}
	return &Telemetry{Provider: provider, shutdown: shutdown}, nil
}

func provideBus(i do.Injector) (*events.Bus, error) {
	logger := do.MustInvoke[*slog.Logger](i)
	tel := do.MustInvoke[*Telemetry](i)
	return events.NewBus(logger, tel.Provider.Tracer(instrumentationName+"/events")), nil
}

func provideNotifier(i do.Injector) (*events.Notifier, error) {
	return events.NewNotifier(do.MustInvoke[*events.Bus](i), do.MustInvoke[*slog.Logger](i)), nil
}

func provideCollector(do.Injector) (*metrics.Collector, error) {
	return metrics.NewCollector(), nil
}

func providePolicy(ctx context.Context, i do.Injector) (policy.Authorizer, error) {
	cfg := do.MustInvoke[*config.Config](i)
	logger := do.MustInvoke[*slog.Logger](i)
	if cfg.PolicyFile == "" {
		return policy.AllowAll{}, nil
	}
	fs := do.MustInvoke[afero.Fs](i)
	file, err := policy.LoadFile(fs, cfg.PolicyFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load topic policy: %w", err)
	}
	if _, ok := fs.(*afero.OsFs); ok {
		if err := file.Watch(ctx); err != nil {
			logger.Warn("Topic policy will not be reloaded", "path", cfg.PolicyFile, "error", err)
		}
	}
	logger.Info("Topic policy loaded", "path", cfg.PolicyFile)
	return file, nil
}

func provideRegistry(do.Injector) (*subscription.Registry, error) {
	return subscription.NewRegistry(), nil
}

func provideManager(i do.Injector) (*session.Manager, error) {
	cfg := do.MustInvoke[*config.Config](i)
	codec, err := envelope.ForName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	authorizer, err := do.Invoke[policy.Authorizer](i)
	if err != nil {
		return nil, err
	}
	return session.NewManager(do.MustInvoke[*subscription.Registry](i),
		session.WithCodec(codec),
		session.WithPolicy(authorizer),
		session.WithObserver(session.Observers{
			do.MustInvoke[*metrics.Collector](i),
			do.MustInvoke[*events.Notifier](i),
		}),
		session.WithLogger(do.MustInvoke[*slog.Logger](i)),
		session.WithOptions(session.Options{
			QueueSize:    cfg.QueueSize,
			CloseGrace:   cfg.CloseGrace,
			WriteTimeout: cfg.WriteTimeout,
		}),
	), nil
}

func provideRouter(i do.Injector) (*router.Router, error) {
	manager, err := do.Invoke[*session.Manager](i)
	if err != nil {
		return nil, err
	}
	tel := do.MustInvoke[*Telemetry](i)
	r := router.New(do.MustInvoke[*subscription.Registry](i), manager,
		router.WithTracer(tel.Provider.Tracer(instrumentationName+"/router")),
		router.WithObserver(do.MustInvoke[*metrics.Collector](i)),
	)
	manager.UseRouter(r)
	return r, nil
}

func provideServer(i do.Injector) (*server.Server, error) {
	// Resolving the router binds it to the manager.
	if _, err := do.Invoke[*router.Router](i); err != nil {
		return nil, err
	}
	return server.New(
		do.MustInvoke[*config.Config](i),
		do.MustInvoke[*session.Manager](i),
		do.MustInvoke[*subscription.Registry](i),
		do.MustInvoke[*metrics.Collector](i),
		do.MustInvoke[*slog.Logger](i),
	), nil
}
