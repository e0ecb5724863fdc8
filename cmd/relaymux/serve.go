package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/channel/adapters/discord"
	"github.com/relaymux/relaymux/internal/channel/adapters/local"
	"github.com/relaymux/relaymux/internal/channel/adapters/slack"
	"github.com/relaymux/relaymux/internal/channel/adapters/telegram"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/dispatch"
	"github.com/relaymux/relaymux/internal/gateway"
	"github.com/relaymux/relaymux/internal/handlers"
	"github.com/relaymux/relaymux/internal/healthcheck"
	channelchecker "github.com/relaymux/relaymux/internal/healthcheck/checkers/channel"
	gatewaychecker "github.com/relaymux/relaymux/internal/healthcheck/checkers/gateway"
	"github.com/relaymux/relaymux/internal/logger"
	"github.com/relaymux/relaymux/internal/media"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/server"
	"github.com/relaymux/relaymux/internal/supervisor"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideRegistry,
			provideBacklog,
			provideCache,
			provideTranscoder,
			provideResolver,
			providePipeline,
			provideConnProxy,
			provideDispatcher,
			provideHub,
			provideRouter,
			provideSupervisor,
			provideHealthRunner,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideChannelsHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideGatewayHandler),
			provideServerHandler(provideMediaHandler),
			provideServer,
		),
		fx.Invoke(
			registerCoreHandlers,
			startTranscoder,
			startDispatcher,
			startRouter,
			startSupervisor,
			watchFatal,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideRegistry builds the adapter set from configured credentials. The
// local loopback adapter is always present so the CLI channel and tests work
// without any platform credentials.
func provideRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(local.New(log))
	if strings.TrimSpace(cfg.Channels.Telegram.BotToken) != "" {
		registry.MustRegister(telegram.New(log, cfg.Channels.Telegram.BotToken))
	}
	if strings.TrimSpace(cfg.Channels.Discord.BotToken) != "" {
		registry.MustRegister(discord.New(log, cfg.Channels.Discord.BotToken))
	}
	if strings.TrimSpace(cfg.Channels.Slack.BotToken) != "" {
		registry.MustRegister(slack.New(log, cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken))
	}
	return registry
}

func provideBacklog(lc fx.Lifecycle, cfg config.Config) (gateway.Backlog, error) {
	backlog, err := gateway.NewBacklog(cfg.Gateway.BacklogDriver, cfg.Gateway.BacklogSize, cfg.Gateway.BacklogPath)
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return backlog.Close() }})
	return backlog, nil
}

func provideCache(log *slog.Logger, cfg config.Config) (*media.Cache, error) {
	return media.NewCache(log, cfg.Media.DataRoot, cfg.Media.CacheMaxBytes)
}

func provideTranscoder(log *slog.Logger, cache *media.Cache, cfg config.Config) *media.Transcoder {
	return media.NewTranscoder(log, cache, media.TranscoderOptions{
		Workers:     cfg.Media.TranscodeWorkers,
		QueueDepth:  cfg.Media.TranscodeQueue,
		EnqueueWait: cfg.Media.TranscodeWait.Duration,
		MaxBytes:    cfg.Media.MaxAssetBytes,
	})
}

func provideResolver(cache *media.Cache, transcoder *media.Transcoder) *media.Resolver {
	return media.NewResolver(cache, transcoder)
}

func providePipeline(log *slog.Logger, cache *media.Cache, registry *channel.Registry, cfg config.Config) *media.Pipeline {
	return media.NewPipeline(log, cache, registry, cfg.Media.MaxAssetBytes)
}

// connProxy defers the dispatcher's supervisor dependency: the dispatcher is
// built first, the supervisor is attached once it exists.
type connProxy struct {
	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func (p *connProxy) set(s *supervisor.Supervisor) {
	p.mu.Lock()
	p.sup = s
	p.mu.Unlock()
}

func (p *connProxy) Conn(ct channel.ChannelType) (channel.Conn, error) {
	p.mu.Lock()
	s := p.sup
	p.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("channel %s: %w", ct, channel.ErrNotConnected)
	}
	return s.Conn(ct)
}

func provideConnProxy() *connProxy {
	return &connProxy{}
}

func provideDispatcher(log *slog.Logger, proxy *connProxy, cache *media.Cache, resolver *media.Resolver, registry *channel.Registry, cfg config.Config) *dispatch.Dispatcher {
	d := dispatch.New(log, proxy, dispatch.Options{
		QueueSize:   cfg.Dispatch.QueueSize,
		RatePerSec:  cfg.Dispatch.RatePerSecond,
		Burst:       cfg.Dispatch.Burst,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		RetryBase:   cfg.Dispatch.RetryBase.Duration,
		RetryCap:    cfg.Dispatch.RetryCap.Duration,
		EnqueueWait: cfg.Dispatch.EnqueueWait.Duration,
		SendTimeout: cfg.Dispatch.DefaultTimeout.Duration,
	})
	d.SetAssetPinner(cache)
	d.SetAssetOpener(resolver, registry)
	return d
}

func provideHub(log *slog.Logger, backlog gateway.Backlog, dispatcher *dispatch.Dispatcher, cfg config.Config) *gateway.Hub {
	return gateway.NewHub(log, backlog, dispatcher, gateway.Options{
		SubscriberQueue: cfg.Gateway.SubscriberQueue,
		SlowPolicy:      gateway.SlowPolicy(cfg.Gateway.SlowPolicy),
	})
}

func provideRouter(log *slog.Logger, hub *gateway.Hub, dispatcher *dispatch.Dispatcher, cfg config.Config) *router.Router {
	return router.New(log, hub, dispatcher, router.Options{
		DedupWindow:     cfg.Router.DedupWindow.Duration,
		DedupMaxKeys:    cfg.Router.DedupMaxKeys,
		HandlerTimeout:  cfg.Router.HandlerTimeout.Duration,
		WorkerQueueSize: cfg.Router.ConversationQueue,
		WorkerIdleTTL:   cfg.Router.ConversationIdle.Duration,
	})
}

func provideSupervisor(log *slog.Logger, registry *channel.Registry, r *router.Router, cfg config.Config) *supervisor.Supervisor {
	return supervisor.New(log, registry, r, supervisor.Options{
		BackoffBase:         cfg.Supervisor.BackoffBase.Duration,
		BackoffCap:          cfg.Supervisor.BackoffCap.Duration,
		MaxConnectAttempts:  cfg.Supervisor.MaxConnectAttempts,
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval.Duration,
		MinUptime:           cfg.Supervisor.MinUptime.Duration,
		ShutdownGrace:       cfg.Supervisor.ShutdownGrace.Duration,
	})
}

func provideHealthRunner(log *slog.Logger, sup *supervisor.Supervisor, hub *gateway.Hub, backlog gateway.Backlog) *healthcheck.Runner {
	return healthcheck.NewRunner(
		channelchecker.NewChecker(log, sup),
		gatewaychecker.NewChecker(log, hub, backlog),
	)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideChannelsHandler(registry *channel.Registry, sup *supervisor.Supervisor) *handlers.ChannelsHandler {
	return handlers.NewChannelsHandler(registry, sup)
}

func provideHealthHandler(runner *healthcheck.Runner) *handlers.HealthHandler {
	return handlers.NewHealthHandler(runner)
}

func provideGatewayHandler(log *slog.Logger, hub *gateway.Hub, cfg config.Config) *handlers.GatewayHandler {
	return handlers.NewGatewayHandler(log, hub, cfg.Gateway.AuthSecret)
}

func provideMediaHandler(cache *media.Cache) *handlers.MediaHandler {
	return handlers.NewMediaHandler(cache)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Handlers)
}

// registerCoreHandlers installs the built-in router handlers before the
// router starts. Extensions would append their registrations here, loaded by
// whatever mechanism hosts them; the router only sees the final list.
func registerCoreHandlers(r *router.Router, pipeline *media.Pipeline, log *slog.Logger) {
	ingestLog := log.With(slog.String("handler", "media_ingest"))
	r.Register(router.Registration{
		Name:     "media_ingest",
		Priority: 100,
		Match:    router.MatchAll(),
		Handle: func(ctx context.Context, ev channel.InboundEvent) (router.Result, error) {
			for _, att := range ev.Message.Attachments {
				if att.ContentHash != "" || !att.HasReference() {
					continue
				}
				asset, err := pipeline.Fetch(ctx, att)
				if err != nil {
					ingestLog.Warn("attachment ingest failed",
						slog.String("channel", ev.Channel.String()),
						slog.String("reference", att.Reference()),
						slog.Any("error", err),
					)
					continue
				}
				ingestLog.Debug("attachment cached",
					slog.String("hash", asset.Hash),
					slog.Int64("size", asset.Size),
				)
			}
			return router.Result{}, nil
		},
	})
}

func startTranscoder(lc fx.Lifecycle, t *media.Transcoder) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { t.Start(ctx); return nil },
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return t.Shutdown(stopCtx)
		},
	})
}

func startDispatcher(lc fx.Lifecycle, d *dispatch.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { d.Start(ctx); return nil },
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return d.Shutdown(stopCtx)
		},
	})
}

func startRouter(lc fx.Lifecycle, r *router.Router) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { r.Start(ctx); return nil },
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return r.Shutdown(stopCtx)
		},
	})
}

func startSupervisor(lc fx.Lifecycle, sup *supervisor.Supervisor, proxy *connProxy) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			proxy.set(sup)
			sup.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return sup.Shutdown(stopCtx)
		},
	})
}

// watchFatal logs channels that exhausted their connect budget. The process
// keeps serving the remaining channels.
func watchFatal(lc fx.Lifecycle, sup *supervisor.Supervisor, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case fatal := <-sup.Fatal():
						log.Error("channel configuration error",
							slog.String("channel", fatal.Channel.String()),
							slog.Any("error", fatal.Err),
						)
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, log *slog.Logger, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", slog.Any("error", err))
					shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Stop(ctx) },
	})
}
