// Command renderbridge runs an API worker: it terminates SSE streams,
// executes tool requests and relays cross-worker events onto the streams it
// owns.
//
// Multiple workers behind a load balancer share state through Redis; a
// client may land on any worker and tool progress still reaches the worker
// that owns its stream.
//
// # Configuration
//
// Configuration comes from the environment (see the config package for the
// full set):
//
//	RB_HTTP_ADDR       - HTTP listen address (default: ":8787")
//	RB_REDIS_ADDR      - Redis address (default: "localhost:6379")
//	RB_REDIS_PASSWORD  - Redis password (optional)
//	RB_API_KEYS        - comma-separated API keys
//	RB_API_KEY_HASHES  - comma-separated SHA-256 API key digests
//	RB_AUTH_DEV_MODE   - disable authentication (default: "false")
//	RB_SSE_ENABLED     - serve the SSE surface (default: "true")
//	RB_ALLOWED_ORIGINS - comma-separated CORS origins (default: none)
//	RB_DEBUG           - enable debug logging (default: "false")
//
// Pass -config <file> to read a YAML file first; environment variables
// override it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/config"
	"github.com/uiforge/renderbridge/conn"
	"github.com/uiforge/renderbridge/pubsub"
	"github.com/uiforge/renderbridge/render"
	"github.com/uiforge/renderbridge/server"
	"github.com/uiforge/renderbridge/store"
	"github.com/uiforge/renderbridge/task"
	"github.com/uiforge/renderbridge/tool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	worker := "api-" + uuid.NewString()[:8]
	ctx = log.With(ctx, log.KV{K: "svc", V: "renderbridge"}, log.KV{K: "worker", V: worker})
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.PoolSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close store"})
		}
	}()

	manager, err := conn.NewManager(conn.Options{
		Store:             st,
		Worker:            worker,
		BufferSize:        cfg.Stream.BufferSize,
		BufferTTL:         cfg.Stream.BufferTTL,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		ConnectionTimeout: cfg.Stream.ConnectionTimeout,
		CleanupInterval:   cfg.Stream.CleanupInterval,
	})
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}

	bridge, err := pubsub.New(pubsub.Options{
		Store:   st,
		Manager: manager,
		Channel: cfg.Redis.Channel,
	})
	if err != nil {
		return fmt.Errorf("create pubsub bridge: %w", err)
	}

	tracker, err := task.NewTracker(task.TrackerOptions{
		Store:   st,
		Channel: cfg.Redis.Channel,
		TTL:     cfg.Stream.BufferTTL,
	})
	if err != nil {
		return fmt.Errorf("create task tracker: %w", err)
	}

	queue := task.NewQueue(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}, cfg.Queue.Name)
	defer func() {
		if err := queue.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close queue"})
		}
	}()

	validator, err := render.NewValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	tools := render.NewTools(render.NewChrome(), validator, tracker)

	toolBridge, err := tool.NewBridge(tool.Options{
		Manager:       manager,
		Caller:        tools,
		Tracker:       tracker,
		Queue:         queue,
		RenderTimeout: cfg.Render.SyncTimeout,
		PollInterval:  cfg.Render.PollInterval,
		MonitorBudget: cfg.Render.MonitorBudget,
	})
	if err != nil {
		return fmt.Errorf("create tool bridge: %w", err)
	}

	srv, err := server.New(server.Options{
		Manager: manager,
		Bridge:  toolBridge,
		Tracker: tracker,
		Store:   st,
		Channel: cfg.Redis.Channel,
		Auth: server.AuthOptions{
			Keys:      cfg.Auth.APIKeys,
			KeyHashes: cfg.Auth.KeyHashes,
			DevMode:   cfg.Auth.DevMode,
			Header:    cfg.Auth.HeaderName,
		},
		EnableSSE:      cfg.Stream.Enabled,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateRPS:        cfg.HTTP.RateLimitRPS,
		RateBurst:      cfg.HTTP.RateLimitBurst,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); manager.RunHeartbeat(ctx) }()
	go func() { defer wg.Done(); manager.RunCleanup(ctx) }()
	go func() { defer wg.Done(); bridge.Run(ctx) }()

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.HTTP.Addr})
		errc <- srv.Start(cfg.HTTP.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "shutdown server"})
	}
	wg.Wait()
	return nil
}
