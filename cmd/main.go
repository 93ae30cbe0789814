package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"payment-service/config"
	"payment-service/internal/module/payment/handler"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/provider/card"
	"payment-service/internal/module/payment/provider/mercadopago"
	"payment-service/internal/module/payment/provider/paypal"
	"payment-service/internal/module/payment/repositories"
	"payment-service/internal/module/payment/resolver"
	"payment-service/internal/module/payment/usecases"
	"payment-service/internal/module/payment/worker"
	"payment-service/internal/pkg/database"
	"payment-service/internal/pkg/http"
	"payment-service/internal/pkg/httpclient"
	log_internal "payment-service/internal/pkg/log"
	"payment-service/internal/pkg/messagestream"
	"payment-service/internal/pkg/middleware"
	"payment-service/internal/pkg/redis"
	"payment-service/internal/pkg/scheduler"
	"payment-service/internal/pkg/signature"
	router "payment-service/internal/route"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const handlerReplay = "payment_anomaly_replay_handler"

func main() {
	rootCmd := &cobra.Command{
		Use:   "payment-service",
		Short: "Payment reconciliation for card, PayPal and MercadoPago bookings",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook receiver and replay consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.InitConfig()
			svc := initService(cfg)

			replayRouter, err := messagestream.NewRouter(svc.publisher, usecases.TopicPoisonedQueue, handlerReplay,
				usecases.TopicAnomalyReplay, svc.subscriber, svc.handler.ConsumeReplay)
			if err != nil {
				return fmt.Errorf("create replay router: %w", err)
			}

			for _, r := range []*message.Router{replayRouter} {
				ctx := context.Background()
				go func(r *message.Router) {
					if err := r.Run(ctx); err != nil {
						log.Fatal(err)
					}
				}(r)
			}

			serverHttp := http.SetupHttpEngine()
			app := router.Initialize(serverHttp, svc.handler, svc.middleware)

			// start http server
			http.StartHttpServer(app, cfg.HttpServer.Port)
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background tasks and the stale transaction sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.InitConfig()
			svc := initService(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			locker := worker.NewRedisLocker(svc.redis, cfg.Reconciliation.SweepInterval, svc.logger)
			sweeper := worker.NewSweeper(svc.usecase, locker, cfg.Reconciliation.SweepInterval, svc.logger)
			go sweeper.Run(ctx)

			go svc.scheduler.StartMonitoring(&cfg.Redis, &cfg.Scheduler)

			svc.scheduler.StartHandler(&cfg.Redis, &cfg.Scheduler,
				[]string{scheduler.TypeNotifyOutcome, scheduler.TypeCaptureOrder, scheduler.TypeRefundOnArrival},
				[]func(ctx context.Context, t *asynq.Task) error{svc.handler.NotifyOutcome, svc.handler.CaptureOrder, svc.handler.RefundOnArrival},
			)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flag stale payment attempts once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.InitConfig()
			svc := initService(cfg)

			locker := worker.NewRedisLocker(svc.redis, cfg.Reconciliation.SweepInterval, svc.logger)
			sweeper := worker.NewSweeper(svc.usecase, locker, cfg.Reconciliation.SweepInterval, svc.logger)
			n, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("flagged %d stale payment attempts\n", n)
			return nil
		},
	}
}

type service struct {
	usecase    usecases.Usecase
	handler    *handler.PaymentHandler
	middleware *middleware.Middleware
	scheduler  *scheduler.Scheduler
	publisher  message.Publisher
	subscriber message.Subscriber
	redis      *goredis.Client
	logger     log_internal.Logger
}

func initService(cfg *config.Config) *service {

	// init database
	db := database.GetConnection(&cfg.Database)
	// init redis
	redisConn := redis.SetupClient(&cfg.Redis)
	// init logger
	logZap := log_internal.SetupLogger()
	log_internal.Init(logZap)
	logger := log_internal.GetLogger()

	ctx := context.Background()
	// init message stream
	amqp := messagestream.NewAmpq(&cfg.MessageStream)

	// Init Subscriber
	subscriber, err := amqp.NewSubscriber()
	if err != nil {
		logger.Error(ctx, "Failed to create subscriber", zap.Error(err))
	}

	// Init Publisher
	publisher, err := amqp.NewPublisher()
	if err != nil {
		logger.Error(ctx, "Failed to create publisher", zap.Error(err))
	}

	// init scheduler client
	sched := &scheduler.Scheduler{Log: logger}
	tasks := sched.InitClient(&cfg.Redis)

	paymentRepo := repositories.New(db, logger)
	registry := initProviders(cfg, redisConn, logger)
	paymentUsecase := usecases.New(
		paymentRepo,
		registry,
		resolver.New(cfg.Reconciliation.InvoicePrefix, paymentRepo),
		tasks,
		publisher,
		&cfg.Reconciliation,
		logger,
	)

	paymentHandler := handler.PaymentHandler{
		Log:       logZap,
		Validator: validator.New(),
		Usecase:   paymentUsecase,
		Publish:   publisher,
	}

	return &service{
		usecase:    paymentUsecase,
		handler:    &paymentHandler,
		middleware: &middleware.Middleware{Log: logZap, Token: cfg.Auth.InternalToken},
		scheduler:  sched,
		publisher:  publisher,
		subscriber: subscriber,
		redis:      redisConn,
		logger:     logger,
	}
}

// initProviders registers every provider with credentials configured. Each one
// gets its own breaker so an outage at one provider leaves the others open.
func initProviders(cfg *config.Config, redisConn *goredis.Client, logger log_internal.Logger) *provider.Registry {
	ctx := context.Background()
	registry := provider.NewRegistry()
	tolerance := cfg.Reconciliation.SignatureTolerance

	if cfg.Card.SecretKey != "" {
		cb := httpclient.InitCircuitBreaker(&cfg.HttpClient, cfg.HttpClient.Type)
		client, err := card.NewClient(&cfg.Card, cb, cfg.HttpClient.Timeout)
		if err != nil {
			logger.Error(ctx, "Failed to create card client", zap.Error(err))
		} else {
			registry.Register(card.New(client, &cfg.Card, tolerance), cfg.Card.WebhookSecret)
		}
	}

	if cfg.PayPal.ClientID != "" {
		cb := httpclient.InitCircuitBreaker(&cfg.HttpClient, cfg.HttpClient.Type)
		httpClient := httpclient.InitHttpClient(&cfg.HttpClient, cb)
		certs := signature.NewCertVerifier(httpClient, repositories.NewCertCache(redisConn, "paypal:cert:"),
			cfg.PayPal.CertHostSuffix, cfg.Reconciliation.CertCacheTTL)
		registry.Register(paypal.New(httpClient, certs, &cfg.PayPal, cfg.HttpClient.Retries, tolerance), cfg.PayPal.WebhookID)
	}

	if cfg.MercadoPago.AccessToken != "" {
		cb := httpclient.InitCircuitBreaker(&cfg.HttpClient, cfg.HttpClient.Type)
		httpClient := httpclient.InitHttpClient(&cfg.HttpClient, cb)
		registry.Register(mercadopago.New(httpClient, &cfg.MercadoPago, cfg.HttpClient.Retries, tolerance), cfg.MercadoPago.WebhookSecret)
	}

	for _, p := range registry.Providers() {
		logger.Info(ctx, "payment provider enabled", zap.String("provider", string(p)))
	}
	return registry
}
