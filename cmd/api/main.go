package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/paypal-express/internal/handlers"
	"github.com/hanko-field/paypal-express/internal/payments"
	"github.com/hanko-field/paypal-express/internal/platform/auth"
	"github.com/hanko-field/paypal-express/internal/platform/config"
	pfirestore "github.com/hanko-field/paypal-express/internal/platform/firestore"
	"github.com/hanko-field/paypal-express/internal/platform/idempotency"
	"github.com/hanko-field/paypal-express/internal/platform/jobs"
	"github.com/hanko-field/paypal-express/internal/platform/observability"
	"github.com/hanko-field/paypal-express/internal/platform/secrets"
	platformstorage "github.com/hanko-field/paypal-express/internal/platform/storage"
	"github.com/hanko-field/paypal-express/internal/repositories"
	firestoreRepo "github.com/hanko-field/paypal-express/internal/repositories/firestore"
	"github.com/hanko-field/paypal-express/internal/repositories/memory"
	"github.com/hanko-field/paypal-express/internal/services"
)

const (
	meterName                  = "github.com/hanko-field/paypal-express"
	idempotencyCollection      = "idempotency_keys"
	ipnDeliveryCollection      = "ipn_deliveries"
	secretHealthReference      = "secret://system/healthz?version=latest"
	shutdownTimeout            = 10 * time.Second
	paypalHealthCheckTimeout   = 2 * time.Second
	firestoreHealthCheckBudget = 1500 * time.Millisecond
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	events := observability.EventLogger(logger)
	meter := otel.GetMeterProvider().Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("PayPal.APIUsername", "PayPal.APIPassword", "PayPal.Signature"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("required secrets missing", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	mode, err := payments.ParseMode(cfg.PayPal.Mode)
	if err != nil {
		logger.Fatal("invalid paypal mode", zap.Error(err))
	}
	solution, err := payments.ParseSolutionType(cfg.PayPal.SolutionType)
	if err != nil {
		logger.Fatal("invalid paypal solution type", zap.Error(err))
	}
	paypalClient, err := payments.NewPayPalClient(payments.PayPalClientConfig{
		Username:  cfg.PayPal.APIUsername,
		Password:  cfg.PayPal.APIPassword,
		Signature: cfg.PayPal.Signature,
		Mode:      mode,
		Timeout:   cfg.PayPal.HTTPTimeout,
		Logger:    events,
		Meter:     meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise paypal client", zap.Error(err))
	}
	ipnValidator := payments.NewIPNValidator(payments.IPNValidatorConfig{
		Timeout: cfg.PayPal.HTTPTimeout,
		Logger:  events,
	})

	var (
		provider    *pfirestore.Provider
		orders      repositories.OrderRepository
		paymentRepo repositories.PaymentRepository
		keyStore    idempotency.Store
		ipnStore    idempotency.Store
	)
	if cfg.UsesFirestore() {
		provider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		client, err := provider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore", zap.Error(err))
		}
		orders = firestoreRepo.NewOrderRepository(provider, nil)
		paymentRepo = firestoreRepo.NewPaymentRepository(provider, nil)
		keyStore = idempotency.NewFirestoreStore(client, idempotencyCollection)
		ipnStore = idempotency.NewFirestoreStore(client, ipnDeliveryCollection)
	} else {
		logger.Warn("firestore project not configured; using in-memory repositories")
		orders = memory.NewOrderRepository(nil)
		paymentRepo = memory.NewPaymentRepository(nil)
		keyStore = idempotency.NewMemoryStore()
		ipnStore = idempotency.NewMemoryStore()
	}

	publisher := services.NoopPaymentEventPublisher()
	if topicName := strings.TrimSpace(cfg.PubSub.PaymentEventsTopic); topicName != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub", zap.Error(err))
		}
		defer func() {
			_ = psClient.Close()
		}()
		pubsubPublisher, err := jobs.NewPubSubPaymentEventPublisher(psClient.Topic(topicName))
		if err != nil {
			logger.Fatal("failed to initialise payment event publisher", zap.Error(err))
		}
		defer pubsubPublisher.Stop()
		publisher = pubsubPublisher
	}

	var archive services.NotificationArchiver
	if bucket := strings.TrimSpace(cfg.Storage.IPNArchiveBucket); bucket != "" {
		gcs, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise cloud storage", zap.Error(err))
		}
		defer func() {
			_ = gcs.Close()
		}()
		archive = platformstorage.NewNotificationArchive(bucket, platformstorage.NewGCSUploader(gcs))
	}

	checkoutService, err := services.NewExpressCheckoutService(services.ExpressCheckoutServiceDeps{
		Orders:   orders,
		Payments: paymentRepo,
		Gateway:  paypalClient,
		Events:   publisher,
		Options: services.ExpressCheckoutOptions{
			SolutionType:                solution,
			ReferenceTransactions:       cfg.PayPal.ReferenceTransactions,
			BillingAgreementDescription: cfg.PayPal.BillingAgreementDesc,
			NotifyURL:                   cfg.PayPal.NotifyURL,
			Capture:                     cfg.Checkout.Capture,
		},
		Logger: events,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}
	paymentService, err := services.NewPaymentService(services.PaymentServiceDeps{
		Payments: paymentRepo,
		Orders:   orders,
		Gateway:  paypalClient,
		Events:   publisher,
		Logger:   events,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}
	notificationService, err := services.NewNotificationService(services.NotificationServiceDeps{
		Payments:  paymentRepo,
		Validator: ipnValidator,
		Dedupe:    ipnStore,
		DedupeTTL: cfg.PayPal.IPNDedupeTTL,
		Archive:   archive,
		Events:    publisher,
		Meter:     meter,
		Logger:    events,
	})
	if err != nil {
		logger.Fatal("failed to initialise notification service", zap.Error(err))
	}

	build := buildInfoFromEnv(envValues, cfg, startedAt)
	systemService, err := newSystemService(provider, fetcher, paypalClient.Endpoint(), build)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	startCleanup(cleanupCtx, &cleanupWG, logger.Named("idempotency"), cfg.Idempotency, keyStore, ipnStore)

	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, cfg.Checkout.PublicBaseURL)
	paymentHandlers := handlers.NewPaymentHandlers(paymentService)
	webhookHandlers := handlers.NewWebhookHandlers(notificationService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthBuildInfo(build),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Trace(cfg.Firestore.ProjectID),
			observability.InjectLogger(logger),
			observability.RequestLogger(),
			observability.Recovery(logger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(paymentHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger, meter, cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	}
	opts = append(opts, handlers.WithInternalMiddlewares(idempotency.Middleware(keyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)))

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("paypal_mode", string(mode)))
	go func() {
		serverLogger.Info("paypal express gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newSystemService probes Firestore when configured, Secret Manager and the PayPal NVP host.
func newSystemService(provider *pfirestore.Provider, fetcher *secrets.Fetcher, endpoint string, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: firestoreHealthCheckBudget,
			Check:   provider.Ping,
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	client := &http.Client{Timeout: paypalHealthCheckTimeout}
	checks = append(checks, repositories.DependencyCheck{
		Name:    "paypal",
		Timeout: paypalHealthCheckTimeout,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("paypal endpoint returned %d", resp.StatusCode)
			}
			return nil
		},
	})

	repo, err := repositories.NewDependencyHealthRepository(checks, nil)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, meter metric.Meter, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	authLogger := logger.Named("auth")
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(authLogger))
	opts := []auth.OIDCOption{auth.WithOIDCLogger(authLogger)}
	if recorder, err := auth.MeterRecorder(meter); err != nil {
		logger.Warn("auth: oidc metrics unavailable", zap.Error(err))
	} else {
		opts = append(opts, auth.WithOIDCRecorder(recorder))
	}
	validator := auth.NewOIDCValidator(cache, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, issuers)
}

// startCleanup purges expired idempotency and IPN delivery records on an interval.
func startCleanup(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, cfg config.IdempotencyConfig, stores ...idempotency.Store) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				for _, store := range stores {
					removed, err := store.CleanupExpired(ctx, now, cfg.CleanupBatchSize)
					if err != nil {
						if !errors.Is(err, context.Canceled) {
							logger.Warn("cleanup failed", zap.Error(err))
						}
						continue
					}
					if removed > 0 {
						logger.Debug("expired records removed", zap.Int("count", removed))
					}
				}
			}
		}
	}()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
