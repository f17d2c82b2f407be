// Command renderworker runs a background render worker: it dequeues render
// tasks, drives the headless renderer and reports progress through the
// shared store so the owning API worker's SSE stream sees it.
//
// # Configuration
//
// Shares the environment of the API worker (see the config package):
//
//	RB_REDIS_ADDR         - Redis address (default: "localhost:6379")
//	RB_REDIS_PASSWORD     - Redis password (optional)
//	RB_QUEUE_NAME         - task queue name (default: "renders")
//	RB_QUEUE_CONCURRENCY  - concurrent renders per worker (default: 4)
//	RB_DEBUG              - enable debug logging (default: "false")
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"goa.design/clue/log"

	"github.com/uiforge/renderbridge/config"
	"github.com/uiforge/renderbridge/render"
	"github.com/uiforge/renderbridge/store"
	"github.com/uiforge/renderbridge/task"
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
	ctx = log.With(ctx, log.KV{K: "svc", V: "renderworker"})
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

	tracker, err := task.NewTracker(task.TrackerOptions{
		Store:   st,
		Channel: cfg.Redis.Channel,
		TTL:     cfg.Stream.BufferTTL,
	})
	if err != nil {
		return fmt.Errorf("create task tracker: %w", err)
	}

	validator, err := render.NewValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	tools := render.NewTools(render.NewChrome(), validator, tracker)

	worker, err := task.NewWorker(tracker, tools)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password},
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues:      map[string]int{cfg.Queue.Name: 1},
			BaseContext: func() context.Context { return ctx },
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(task.TypeRender, worker.HandleRender)

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "queue", V: cfg.Queue.Name})
		errc <- srv.Run(mux)
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
		srv.Shutdown()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("run worker: %w", err)
		}
	}
	return nil
}
