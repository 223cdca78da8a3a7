// Package app wires all Wardline subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithRealtimeProvider, WithAnswerer, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/greenview-ai/wardline/internal/config"
	"github.com/greenview-ai/wardline/internal/health"
	"github.com/greenview-ai/wardline/internal/observe"
	"github.com/greenview-ai/wardline/internal/relay"
	"github.com/greenview-ai/wardline/internal/token"
	"github.com/greenview-ai/wardline/pkg/knowledge"
	"github.com/greenview-ai/wardline/pkg/knowledge/postgres"
	"github.com/greenview-ai/wardline/pkg/provider/embeddings"
	oaembed "github.com/greenview-ai/wardline/pkg/provider/embeddings/openai"
	"github.com/greenview-ai/wardline/pkg/provider/llm"
	"github.com/greenview-ai/wardline/pkg/provider/llm/anyllm"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
	oarealtime "github.com/greenview-ai/wardline/pkg/provider/realtime/openai"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the Wardline relay endpoints.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	store    *postgres.Store
	embedder embeddings.Provider
	llm      llm.Provider
	answerer realtime.Answerer
	provider realtime.Provider
	registry *relay.Registry
	minter   *token.Minter
	server   *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEmbeddingsProvider injects an embeddings provider instead of creating
// one from config.
func WithEmbeddingsProvider(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithCompletionProvider injects a completion provider instead of creating
// one from config.
func WithCompletionProvider(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithAnswerer injects the retrieval component directly, bypassing store and
// provider construction.
func WithAnswerer(ans realtime.Answerer) Option {
	return func(a *App) { a.answerer = ans }
}

// WithRealtimeProvider injects the upstream speech provider instead of
// dialing the real service.
func WithRealtimeProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// New creates an App by wiring all subsystems together: the knowledge store,
// the retrieval answerer, the upstream speech provider, the relay handler,
// and the HTTP routes. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: relay.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}

	a.initRealtime()

	a.minter = token.NewMinter(cfg.Realtime.APIKey, cfg.Realtime.Model, cfg.Realtime.Voice)

	a.server = &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     observe.Middleware(a.metrics)(a.buildMux()),
		ReadTimeout: 10 * time.Second,
	}

	return a, nil
}

// initKnowledge sets up the passage store, the embeddings and completion
// providers, and the answerer that ties them together. A missing DSN leaves
// the store unconfigured; the answerer then serves the fallback answer for
// every question instead of failing the whole server.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.answerer != nil {
		return nil // injected
	}

	if a.embedder == nil {
		var embedOpts []oaembed.Option
		if a.cfg.Embeddings.BaseURL != "" {
			embedOpts = append(embedOpts, oaembed.WithBaseURL(a.cfg.Embeddings.BaseURL))
		}
		p, err := oaembed.New(a.cfg.Embeddings.APIKey, a.cfg.Embeddings.Model, embedOpts...)
		if err != nil {
			return fmt.Errorf("create embeddings provider: %w", err)
		}
		a.embedder = p
	}

	if a.llm == nil {
		var llmOpts []anyllmlib.Option
		if a.cfg.Completion.APIKey != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(a.cfg.Completion.APIKey))
		}
		if a.cfg.Completion.BaseURL != "" {
			llmOpts = append(llmOpts, anyllmlib.WithBaseURL(a.cfg.Completion.BaseURL))
		}
		p, err := anyllm.New(a.cfg.Completion.Provider, a.cfg.Completion.Model, llmOpts...)
		if err != nil {
			return fmt.Errorf("create completion provider %q: %w", a.cfg.Completion.Provider, err)
		}
		a.llm = p
	}

	var passages knowledge.Store
	if dsn := a.cfg.Knowledge.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn, a.embedder)
		if err != nil {
			return fmt.Errorf("connect knowledge store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		passages = store
	} else {
		slog.Warn("knowledge store not configured; serving fallback answers only")
		passages = unavailableStore{}
	}

	ans := knowledge.NewAnswerer(passages, a.llm,
		knowledge.WithTopK(a.cfg.Knowledge.TopK),
		knowledge.WithTimeout(a.cfg.Knowledge.AnswerTimeout),
		knowledge.WithFacility(a.cfg.Knowledge.Facility),
	)
	a.answerer = &meteredAnswerer{next: ans, metrics: a.metrics}
	return nil
}

// initRealtime creates the upstream speech provider if one wasn't injected.
func (a *App) initRealtime() {
	if a.provider != nil {
		return
	}
	rtOpts := []oarealtime.Option{
		oarealtime.WithModel(a.cfg.Realtime.Model),
	}
	if a.cfg.Realtime.BaseURL != "" {
		rtOpts = append(rtOpts, oarealtime.WithBaseURL(a.cfg.Realtime.BaseURL))
	}
	a.provider = oarealtime.New(a.cfg.Realtime.APIKey, rtOpts...)
}

// buildMux assembles all HTTP routes: the relay WebSocket, ephemeral token
// minting, health probes, and the Prometheus scrape endpoint.
func (a *App) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	relayHandler := relay.NewHandler(a.provider, realtime.SessionConfig{
		Instructions: a.cfg.Realtime.Instructions,
		Voice:        a.cfg.Realtime.Voice,
		Answerer:     a.answerer,
		OutOfBandRAG: a.cfg.Realtime.OutOfBandRAG,
	},
		relay.WithRegistry(a.registry),
		relay.WithInputGain(a.cfg.Audio.InputGain),
		relay.WithMetrics(a.metrics),
	)
	mux.Handle("/ws", relayHandler)

	mux.Handle("/session", token.NewHandler(a.minter))

	var pinger health.Pinger
	if a.store != nil {
		pinger = a.store
	}
	health.New(health.Database(pinger)).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Registry exposes the live connection registry, mainly for tests and
// introspection.
func (a *App) Registry() *relay.Registry {
	return a.registry
}

// Handler returns the fully wired HTTP handler. Useful for serving the app
// through httptest.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves HTTP until ctx is cancelled, then drains the server. It returns
// the first serve error, or nil on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	slog.Info("wardline serving",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
	)

	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// unavailableStore stands in when no DSN is configured. Every search reports
// retrieval unavailable, which the answerer turns into the fallback answer.
type unavailableStore struct{}

func (unavailableStore) Search(context.Context, string, int) ([]knowledge.Passage, error) {
	return nil, knowledge.ErrRetrievalUnavailable
}
