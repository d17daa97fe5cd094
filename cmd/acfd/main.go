// Command acfd is the Agent Conversation Fabric daemon: it loads a YAML
// config, wires every fabric collaborator to Redis and a SQL audit
// store, and serves the channel-adapter HTTP surface until interrupted.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/acme/acf/internal/httpapi"
	"github.com/acme/acf/pkg/accumulate"
	"github.com/acme/acf/pkg/acfauth"
	"github.com/acme/acf/pkg/acfconfig"
	"github.com/acme/acf/pkg/acflog"
	"github.com/acme/acf/pkg/acfobs"
	"github.com/acme/acf/pkg/activeindex"
	"github.com/acme/acf/pkg/audit"
	"github.com/acme/acf/pkg/commitpoint"
	"github.com/acme/acf/pkg/fabriccontext"
	"github.com/acme/acf/pkg/fabricevent"
	"github.com/acme/acf/pkg/fabricworkflow"
	"github.com/acme/acf/pkg/fencedlock"
	"github.com/acme/acf/pkg/gateway"
	"github.com/acme/acf/pkg/registry"
	"github.com/acme/acf/pkg/supersede"
)

// CLI defines acfd's command-line interface.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Run the fabric daemon." default:"withargs"`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"acfd.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// ServeCmd starts the HTTP channel-adapter surface and blocks until a
// termination signal arrives.
type ServeCmd struct{}

func (s *ServeCmd) Run(cli *CLI) error {
	logger := acflog.New(acflog.ParseLevel(cli.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	loader, err := acfconfig.NewLoader(acfconfig.LoaderOptions{Path: cli.Config})
	if err != nil {
		return fmt.Errorf("acfd: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("acfd: %w", err)
	}

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("acfd: redis ping: %w", err)
	}
	defer redisClient.Close()

	db, err := sql.Open(sqlDriverName(cfg.SQLDialect), cfg.SQLDSN)
	if err != nil {
		return fmt.Errorf("acfd: open sql: %w", err)
	}
	defer db.Close()

	sink, err := audit.NewSQLSink(db, cfg.SQLDialect)
	if err != nil {
		return fmt.Errorf("acfd: %w", err)
	}
	defer sink.Close()

	obs, err := acfobs.NewManager(ctx, acfobs.Config{
		TracingEnabled: cfg.OTelExporterEndpoint != "",
		ExporterURL:    cfg.OTelExporterEndpoint,
		SamplingRatio:  cfg.OTelSamplingRatio,
		ServiceName:    "acfd",
		MetricsEnabled: true,
	})
	if err != nil {
		return fmt.Errorf("acfd: %w", err)
	}
	defer obs.Shutdown(ctx)

	index := activeindex.New(redisClient)
	tracker := commitpoint.New(nil)
	router := fabricevent.New(tracker, logger)
	router.On("*", publishToRedis(redisClient, logger))

	gw, err := gateway.New(index, tierLimits(cfg))
	if err != nil {
		return fmt.Errorf("acfd: %w", err)
	}

	wf := fabricworkflow.New(fabricworkflow.Deps{
		Lock:         fencedlock.New(redisClient),
		Index:        index,
		Router:       router,
		Accumulator:  accumulate.New(),
		Coordinator:  supersede.New(tracker),
		CommitPoints: tracker,
		Sink:         sink,
		LockOpts: fencedlock.Options{
			LockTimeout:     cfg.MutexLockTimeout,
			BlockingTimeout: cfg.MutexBlockingTimeout,
			RetryInterval:   cfg.MutexRetryInterval,
		},
	})
	engine := fabricworkflow.NewEngine(wf, sink)

	brains := registry.NewBaseRegistry[fabriccontext.Brain]()
	if err := brains.Register("echo", echoBrain{}); err != nil {
		return fmt.Errorf("acfd: %w", err)
	}

	dispatcher := httpapi.NewDispatcher(gw, engine, brains)

	serverOpts := []httpapi.ServerOption{httpapi.WithObservability(obs)}
	if cfg.JWTJWKSURL != "" {
		validator, err := acfauth.NewValidator(ctx, acfauth.ValidatorConfig{
			JWKSURL:  cfg.JWTJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return fmt.Errorf("acfd: %w", err)
		}
		serverOpts = append(serverOpts, httpapi.WithAuth(validator))
	}

	srv := httpapi.NewServer(dispatcher, serverOpts...)

	addr := cfg.HTTPListenAddr
	if addr == "" {
		addr = ":8088"
	}
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("acfd: listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("acfd: shutting down")
	case err := <-errCh:
		logger.Error("acfd: server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// redisEventsChannel is where every routed fabricevent.Event is
// republished so acfctl tail can observe them from a separate process;
// the in-process Router itself has no cross-process visibility.
const redisEventsChannel = "acf:events"

func publishToRedis(client *redis.Client, logger *slog.Logger) fabricevent.Listener {
	return func(ctx context.Context, event fabricevent.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("acfd: marshal event: %w", err)
		}
		if err := client.Publish(ctx, redisEventsChannel, payload).Err(); err != nil {
			logger.Warn("acfd: publish event failed", slog.Any("error", err))
		}
		return nil
	}
}

func tierLimits(cfg *acfconfig.Config) map[gateway.Tier]int64 {
	if len(cfg.RateLimitTiers) == 0 {
		return nil
	}
	limits := make(map[gateway.Tier]int64, len(cfg.RateLimitTiers))
	for _, t := range cfg.RateLimitTiers {
		limits[gateway.Tier(t.Name)] = t.RequestsPerMin
	}
	return limits
}

func sqlDriverName(dialect string) string {
	switch dialect {
	case "postgres":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return "sqlite3"
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("acfd"),
		kong.Description("Agent Conversation Fabric daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
