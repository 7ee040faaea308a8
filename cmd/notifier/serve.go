package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/auth"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/config"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/db"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/delivery"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/eventbus"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/ingest"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/lifecycle"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/registry"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/router"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/server"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/subscription"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/ws"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply postgres migrations before starting")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) error {
	logger.Info("starting notifier",
		zap.String("version", version),
		zap.String("registry", cfg.Registry),
		zap.String("transport", cfg.Transport),
	)

	var awsCfg aws.Config
	if cfg.Registry == config.RegistryDynamoDB || cfg.Transport == config.TransportAPIGateway {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	if migrate && cfg.Registry == config.RegistryPostgres {
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("database migrations completed")
	}

	reg, checks, closeRegistry, err := openRegistry(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	if janitor := registry.NewJanitor(reg, cfg.JanitorInterval, cfg.OperationTimeout, logger); janitor != nil {
		go janitor.Run(ctx)
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		hub    *ws.Hub
		pusher delivery.Pusher
	)
	switch cfg.Transport {
	case config.TransportAPIGateway:
		pusher = delivery.NewAPIGatewayPusher(delivery.NewAPIGatewayClient(awsCfg, cfg.APIGatewayEndpoint))
	default:
		hub = ws.NewHub(logger)
		pusher = hub
	}

	engine := delivery.NewEngine(reg, pusher, logger, delivery.Options{
		PushTimeout: cfg.PushTimeout,
		Concurrency: cfg.FanoutConcurrency,
	})
	subs := subscription.NewManager(reg, logger)
	lc := lifecycle.NewHandler(reg, subs, engine, cfg.Lease, logger)
	processor := ingest.NewProcessor(router.NewRouter(logger), engine, cfg.OperationTimeout, logger)

	bus, err := eventbus.New(eventbus.Config{
		Kind:  cfg.Bus,
		Kafka: eventbus.KafkaConfig{Brokers: cfg.KafkaBrokers, ConsumerGroup: cfg.KafkaConsumerGroup},
		NATS:  eventbus.NATSConfig{URL: cfg.NATSURL, HandlerTimeout: cfg.OperationTimeout},
	}, logger)
	if err != nil {
		return fmt.Errorf("creating event bus: %w", err)
	}
	if err := ingest.NewConsumer(bus, processor, logger).Start(cfg.BusTopic); err != nil {
		bus.Close() //nolint:errcheck
		return fmt.Errorf("subscribing to events: %w", err)
	}

	handlers := routeHandlers(cfg, hub, lc, verifier, processor, logger)

	srv := server.New(server.Options{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Checks:         checks,
	}, logger, handlers...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if hub != nil {
		hub.Close()
	}
	if err := bus.Close(); err != nil {
		logger.Warn("closing event bus", zap.Error(err))
	}

	logger.Info("server stopped")
	return serveErr
}

// routeHandlers picks the HTTP surface for the transport. Gateway callbacks
// are only served with the apigateway transport; the local hub never holds
// the connections they register.
func routeHandlers(cfg *config.Config, hub *ws.Hub, lc *lifecycle.Handler, verifier auth.Verifier, processor *ingest.Processor, logger *zap.Logger) []server.RouteRegistrar {
	handlers := []server.RouteRegistrar{ingest.NewHandler(processor)}
	if hub == nil {
		return append(handlers, server.NewCallbackHandler(lc, verifier).WithTimeout(cfg.OperationTimeout))
	}
	return append(handlers, ws.NewWSHandler(hub, verifier, lc, logger, ws.HandlerOptions{
		AllowedOrigins:   cfg.AllowedOrigins,
		OperationTimeout: cfg.OperationTimeout,
	}))
}

// openRegistry builds the configured registry along with its health checks
// and a function releasing its resources.
func openRegistry(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (registry.Registry, map[string]server.HealthCheck, func(), error) {
	clock := time.Now

	switch cfg.Registry {
	case config.RegistryRedis:
		client, err := registry.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		checks := map[string]server.HealthCheck{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}
		return registry.NewRedisRegistry(client, cfg.RedisPrefix, clock), checks, func() { client.Close() }, nil

	case config.RegistryPostgres:
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		checks := map[string]server.HealthCheck{
			"postgres": database.Pool.Ping,
		}
		return registry.NewPostgresRegistry(database.SQL, clock), checks, database.Close, nil

	case config.RegistryDynamoDB:
		client := dynamodb.NewFromConfig(awsCfg)
		return registry.NewDynamoRegistry(client, cfg.DynamoTable, clock), nil, func() {}, nil

	default:
		return registry.NewMemoryRegistry(clock), nil, func() {}, nil
	}
}

func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		Issuer:   cfg.OIDCIssuer,
		ClientID: cfg.OIDCClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising OIDC verifier: %w", err)
	}
	if oidcVerifier != nil {
		return oidcVerifier, nil
	}
	return auth.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer), nil
}
