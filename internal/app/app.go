// Package app wires all Hibiki subsystems into a running application.
//
// The App struct owns the full lifecycle: [New] creates and connects all
// subsystems, [App.Run] serves until the context is cancelled, and
// [App.Shutdown] tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithBackend, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hibikichat/hibiki/internal/config"
	"github.com/hibikichat/hibiki/internal/health"
	"github.com/hibikichat/hibiki/internal/observe"
	"github.com/hibikichat/hibiki/internal/persona"
	"github.com/hibikichat/hibiki/internal/pipeline"
	"github.com/hibikichat/hibiki/internal/server"
	"github.com/hibikichat/hibiki/internal/session"
	"github.com/hibikichat/hibiki/pkg/memory"
	"github.com/hibikichat/hibiki/pkg/memory/postgres"
	"github.com/hibikichat/hibiki/pkg/provider/embeddings"
	"github.com/hibikichat/hibiki/pkg/provider/llm"
)

// Providers holds the model backends built by main from the config registry.
// LLM is required; Embeddings may be nil, in which case memory search runs on
// PostgreSQL full-text search.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes for the Hibiki service.
type App struct {
	cfg       *config.Config
	providers *Providers

	backend  memory.Backend
	sessions *session.Manager
	srv      *server.Server
	metrics  *observe.Metrics

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a memory backend instead of connecting to PostgreSQL
// from config.
func WithBackend(b memory.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics injects metric instruments instead of using the process-wide
// default set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: a completion provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// initMemory connects the PostgreSQL memory backend unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.backend != nil {
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return errors.New("memory.postgres_dsn is required when no backend is injected")
	}

	var pgOpts []postgres.Option
	if a.cfg.Memory.SearchLimit > 0 {
		pgOpts = append(pgOpts, postgres.WithSearchLimit(a.cfg.Memory.SearchLimit))
	}

	backend, err := postgres.NewBackend(ctx, dsn, a.providers.Embeddings, pgOpts...)
	if err != nil {
		return err
	}
	a.backend = backend
	a.closers = append(a.closers, func(context.Context) error {
		backend.Close()
		return nil
	})
	return nil
}

// initSessions builds the session manager from config.
func (a *App) initSessions() error {
	mgrOpts := []session.ManagerOption{
		session.WithMetrics(a.metrics),
		session.WithPipelineOptions(pipelineOptions(a.cfg.Pipeline)...),
	}
	if a.cfg.Session.IdleTimeout > 0 {
		mgrOpts = append(mgrOpts, session.WithIdleTimeout(a.cfg.Session.IdleTimeout))
	}

	mgr, err := session.NewManager(a.backend, a.providers.LLM, personaFromConfig(a.cfg.Persona), mgrOpts...)
	if err != nil {
		return err
	}
	a.sessions = mgr
	a.closers = append(a.closers, func(context.Context) error {
		mgr.Close()
		return nil
	})
	return nil
}

// initServer assembles the HTTP front end.
func (a *App) initServer() error {
	cfg := server.Config{
		ListenAddr: a.cfg.Server.ListenAddr,
		Sessions:   a.sessions,
		Health: health.New(
			health.StoreChecker(a.backend),
			health.ProviderChecker(a.providers.LLM),
		),
		Metrics:    a.metrics,
	}
	if a.cfg.Server.TLS != nil {
		cfg.TLSCertFile = a.cfg.Server.TLS.CertFile
		cfg.TLSKeyFile = a.cfg.Server.TLS.KeyFile
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	a.srv = srv
	return nil
}

// Sessions exposes the session manager for config hot-reload wiring.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// ApplyConfig applies hot-reloadable changes from a config reload. Provider,
// memory, and server changes are ignored; they require a restart.
func (a *App) ApplyConfig(cfg *config.Config, diff config.ConfigDiff) {
	if diff.PersonaChanged {
		a.sessions.SetPersona(personaFromConfig(cfg.Persona))
	}
	if diff.PipelineChanged {
		a.sessions.SetPipelineOptions(pipelineOptions(cfg.Pipeline)...)
	}
}

// Run serves HTTP and sweeps idle sessions until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.srv.Run(ctx) })
	g.Go(func() error {
		if err := a.sessions.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown tears down all subsystems in reverse initialisation order.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// personaFromConfig maps the config block onto a persona, falling back to
// the built-in default name.
func personaFromConfig(cfg config.PersonaConfig) persona.Persona {
	p := persona.Persona{
		Name:        cfg.Name,
		Description: cfg.Description,
		Rules:       cfg.Rules,
	}
	if p.Name == "" {
		p.Name = persona.DefaultName
	}
	return p
}

// pipelineOptions maps the config block onto pipeline options, leaving the
// pipeline defaults in place for zero values.
func pipelineOptions(cfg config.PipelineConfig) []pipeline.Option {
	var opts []pipeline.Option
	if cfg.PlanningTemperature > 0 {
		opts = append(opts, pipeline.WithPlanningTemperature(cfg.PlanningTemperature))
	}
	if cfg.GenerationTemperature > 0 {
		opts = append(opts, pipeline.WithGenerationTemperature(cfg.GenerationTemperature))
	}
	if cfg.FallbackReply != "" {
		opts = append(opts, pipeline.WithFallbackReply(cfg.FallbackReply))
	}
	return opts
}
