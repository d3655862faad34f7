package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/looplj/cacheproxy/internal/cache"
	"github.com/looplj/cacheproxy/internal/conf"
	"github.com/looplj/cacheproxy/internal/dispatch"
	"github.com/looplj/cacheproxy/internal/idleflush"
	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/maintenance"
	"github.com/looplj/cacheproxy/internal/pool"
	"github.com/looplj/cacheproxy/internal/selector"
	"github.com/looplj/cacheproxy/internal/server/middleware"
	"github.com/looplj/cacheproxy/internal/store"
	"github.com/looplj/cacheproxy/internal/tokens"
	"github.com/looplj/cacheproxy/internal/trim"
	"github.com/looplj/cacheproxy/internal/upstream"
	"github.com/looplj/cacheproxy/internal/writer"
)

// New builds the gin engine. Route registration happens in SetupRoutes,
// invoked separately so fx can inject the dispatch engine alongside it.
func New(config Config) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.WithRequestID())

	return &Server{
		Config: config,
		Engine: engine,
	}
}

// Server wraps a gin engine with the http.Server it's eventually bound to.
type Server struct {
	*gin.Engine

	Config Config
	server *http.Server
}

// Run starts serving and blocks until Shutdown is called.
func (srv *Server) Run() error {
	log.Info(context.Background(), "starting server",
		log.String("name", srv.Config.Name), log.Int("port", srv.Config.Port))

	addr := fmt.Sprintf(":%d", srv.Config.Port)
	srv.server = &http.Server{
		Addr:         addr,
		Handler:      srv.Engine,
		ReadTimeout:  srv.Config.ReadTimeout,
		WriteTimeout: max(srv.Config.RequestTimeout, srv.Config.LLMRequestTimeout),
	}

	err := srv.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown gracefully drains in-flight requests.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.server == nil {
		return nil
	}

	return srv.server.Shutdown(ctx)
}

type fxLogger struct{}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	log.Debug(context.Background(), "fx event", log.Any("event", event))
}

// newSelector builds the endpoint selector from the configured api_endpoints.
func newSelector(cfg *conf.Config) (*selector.Selector, error) {
	endpoints := make([]selector.Endpoint, 0, len(cfg.APIEndpoints))
	for _, e := range cfg.APIEndpoints {
		endpoints = append(endpoints, selector.Endpoint{
			Name:    e.Model,
			BaseURL: e.URL,
			APIKey:  e.APIKey,
			Version: e.Version,
			Weight:  e.Weight,
		})
	}

	return selector.New(endpoints)
}

// newUpstreamClient builds the HTTP client the dispatch engine forwards
// requests through, using timeouts derived from the server config.
func newUpstreamClient(cfg *conf.Config) *upstream.Client {
	return upstream.New(upstream.Config{
		RequestTimeout:      cfg.Server.LLMRequestTimeout,
		ProxyRequestTimeout: cfg.Server.LLMRequestTimeout,
	})
}

func newMemoryCache(cfg *conf.Config) *cache.Memory {
	return cache.New(cfg.Cache.MaxItems)
}

func newWriter(cfg *conf.Config, s *store.Store) *writer.Writer {
	return writer.New(s, cfg.CacheVersion)
}

func newAdmission(cfg *conf.Config) *pool.Admission {
	return pool.NewAdmission(cfg.MaxConcurrentRequests)
}

func newPools(cfg *conf.Config) *pool.Pools {
	return pool.New(cfg.CacheHitPoolSize, cfg.CacheMissPoolSize)
}

func newEstimator() *tokens.Estimator {
	return tokens.New()
}

func summaryEndpoints(cfg []conf.APIEndpoint) []selector.Endpoint {
	out := make([]selector.Endpoint, 0, len(cfg))
	for _, e := range cfg {
		out = append(out, selector.Endpoint{Name: e.Model, BaseURL: e.URL, APIKey: e.APIKey, Version: e.Version, Weight: e.Weight})
	}

	return out
}

func newDispatchEngine(
	cfg *conf.Config,
	mem *cache.Memory,
	s *store.Store,
	w *writer.Writer,
	sel *selector.Selector,
	up *upstream.Client,
	admission *pool.Admission,
	pools *pool.Pools,
	est *tokens.Estimator,
) *dispatch.Engine {
	dcfg := dispatch.Config{
		CacheEnabled:      cfg.Cache.Enabled,
		CacheOverrideMode: cfg.CacheOverrideMode,
		CacheVersion:      cfg.CacheVersion,
		BatchWriteSize:    cfg.Cache.BatchWriteSize,
		APIHeaders:        cfg.APIHeaders,
		UseCurl:           cfg.UseCurl,
		UseProxy:          cfg.UseProxy,
		EnableThinking:    cfg.EnableThinking,
		ContextTrim: trim.Config{
			Enabled:               cfg.ContextTrim.Enabled,
			MaxContextTokens:      cfg.ContextTrim.MaxContextTokens,
			SmartEnabled:          cfg.ContextTrim.SmartEnabled,
			SmartMaxTokens:        cfg.ContextTrim.SmartMaxTokens,
			PerMessageOverhead:    cfg.ContextTrim.PerMessageOverhead,
			MinKeepPairs:          cfg.ContextTrim.MinKeepPairs,
			SummaryAggressiveness: cfg.ContextTrim.SummaryAggressiveness,
			SummaryMode:           cfg.ContextTrim.SummaryMode,
		},
		SummaryAPI: trim.SummaryAPIConfig{
			Enabled:        cfg.ContextTrim.SummaryAPI.Enabled,
			Endpoints:      summaryEndpoints(cfg.ContextTrim.SummaryAPI.Endpoints),
			APIKeyEnv:      cfg.ContextTrim.SummaryAPI.APIKeyEnv,
			MaxTokens:      cfg.ContextTrim.SummaryAPI.MaxTokens,
			Temperature:    cfg.ContextTrim.SummaryAPI.Temperature,
			TimeoutSeconds: cfg.ContextTrim.SummaryAPI.TimeoutSeconds,
		},
	}

	var memForEngine *cache.Memory
	if cfg.Cache.Enabled {
		memForEngine = mem
	}

	return dispatch.New(dcfg, memForEngine, s, w, sel, up, admission, pools, est)
}

func newStoreConfig(cfg *conf.Config) store.Config {
	return store.Config{DatabaseURL: cfg.DatabaseURL}
}

func newStore(cfg store.Config) (*store.Store, error) {
	return store.Open(context.Background(), cfg)
}

func newIdleFlushManager(cfg *conf.Config, mem *cache.Memory, w *writer.Writer) *idleflush.Manager {
	return idleflush.New(idleflush.Config{
		Enabled:              cfg.IdleFlush.Enabled,
		IdleTimeoutSeconds:   cfg.IdleFlush.IdleTimeoutSeconds,
		CheckIntervalSec:     cfg.IdleFlush.CheckIntervalSeconds,
	}, mem, w)
}

func newMaintenanceWorker(cfg *conf.Config, s *store.Store) *maintenance.Worker {
	return maintenance.New(s, maintenance.Config{
		Enabled:          cfg.CacheMaintenance.Enabled,
		IntervalHours:    cfg.CacheMaintenance.IntervalHours,
		RetentionDays:    cfg.CacheMaintenance.RetentionDays,
		CleanupOnStartup: cfg.CacheMaintenance.CleanupOnStartup,
		MinHitCount:      cfg.CacheMaintenance.MinHitCount,
	})
}

// Run builds the fx graph and blocks serving until terminated.
func Run(opts ...fx.Option) {
	app := fx.New(
		append([]fx.Option{
			fx.WithLogger(func() fxevent.Logger { return &fxLogger{} }),
			fx.Provide(
				conf.Load,
				newStoreConfig,
				newStore,
				newSelector,
				newUpstreamClient,
				newMemoryCache,
				newWriter,
				newAdmission,
				newPools,
				newEstimator,
				newDispatchEngine,
				newIdleFlushManager,
				newMaintenanceWorker,
				func(cfg *conf.Config) Config { return cfg.Server },
				New,
			),
			fx.Invoke(func(lc fx.Lifecycle, s *store.Store) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error { return s.Close() },
				})
			}),
			fx.Invoke(func(lc fx.Lifecycle, m *idleflush.Manager) {
				lc.Append(fx.Hook{
					OnStart: m.Start,
					OnStop:  m.Stop,
				})
			}),
			fx.Invoke(func(lc fx.Lifecycle, w *maintenance.Worker) {
				lc.Append(fx.Hook{
					OnStart: w.Start,
					OnStop:  w.Stop,
				})
			}),
			fx.Invoke(func(lc fx.Lifecycle, p *pool.Pools) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						p.Stop()
						return nil
					},
				})
			}),
			fx.Invoke(SetupRoutes),
			fx.Invoke(func(lc fx.Lifecycle, srv *Server) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						go func() {
							if err := srv.Run(); err != nil {
								log.Error(context.Background(), "server exited", log.Cause(err))
							}
						}()

						return nil
					},
					OnStop: srv.Shutdown,
				})
			}),
		}, opts...)...,
	)
	app.Run()
}
