package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/cutekitek/rankode-exec/internal/config"
	"github.com/cutekitek/rankode-exec/internal/consumer"
	"github.com/cutekitek/rankode-exec/internal/engine"
	"github.com/cutekitek/rankode-exec/internal/events"
	"github.com/cutekitek/rankode-exec/internal/files"
	"github.com/cutekitek/rankode-exec/internal/httpapi"
	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/rabbitmq"
	"github.com/cutekitek/rankode-exec/internal/sqs"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP service and the configured queue consumers",
		Action: serve,
	}
}

func serve(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sb, err := newSandbox(ctx, cfg)
	if err != nil {
		return err
	}
	defer sb.Close()

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()

	eng, err := newEngine(cfg, sb, engine.WithEvents(publisher))
	if err != nil {
		return err
	}
	defer eng.Close()

	workers := pool.New(eng, cfg.WorkersCount, cfg.QueueSize)
	defer workers.Close()

	var inputs consumer.InputSource
	if cfg.MinIO.Host != "" {
		storage, err := files.NewFileStorage(files.Config{
			Url:      cfg.MinIO.Host,
			Login:    cfg.MinIO.Login,
			Password: cfg.MinIO.Password,
			Bucket:   cfg.MinIO.Bucket,
			Secure:   cfg.MinIO.Secure,
			MaxSize:  cfg.MaxInputSize,
		})
		if err != nil {
			return err
		}
		inputs = storage
	}
	handler := consumer.NewHandler(workers, inputs)

	if cfg.RabbitMQ.Host != "" {
		listener := rabbitmq.NewRabbitMQHandler(rabbitmq.RabbitMqHandlerConfig{
			Login:         cfg.RabbitMQ.User,
			Password:      cfg.RabbitMQ.Password,
			Host:          cfg.RabbitMQ.Host,
			Port:          cfg.RabbitMQ.Port,
			RequestQueue:  cfg.RabbitMQ.RequestQueue,
			ResponseQueue: cfg.RabbitMQ.ResponseQueue,
			WorkersCount:  cfg.WorkersCount + cfg.QueueSize,
		}, handler)
		if err := listener.Start(ctx); err != nil {
			return err
		}
		defer listener.Close()
	}

	if cfg.SQS.RequestQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQS.Region)
		if err != nil {
			return err
		}
		c := sqs.NewConsumer(sqs.Config{
			RequestQueueURL:  cfg.SQS.RequestQueueURL,
			ResponseQueueURL: cfg.SQS.ResponseQueueURL,
			WorkersCount:     cfg.WorkersCount,
		}, client, handler)
		c.Start(ctx)
		defer c.Wait()
	}

	server := httpapi.New(workers, httpapi.Config{
		Port:            cfg.HTTP.Port,
		RateLimitRPS:    cfg.HTTP.RateLimitRPS,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
		MaxRequestBytes: cfg.HTTP.MaxRequestBytes,
		CORSOrigins:     cfg.CORSOrigins(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	slog.Info("app started", "sandbox", cfg.Sandbox.Kind, "workers", cfg.WorkersCount, "workspace", cfg.WorkspaceDir)
	err = g.Wait()
	// consumers stop on cancellation, then the deferred closes drain the pool and flush cleanups
	stop()
	return err
}
