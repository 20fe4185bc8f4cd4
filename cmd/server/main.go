package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/cart"
	"ticketing-checkout/internal/config"
	"ticketing-checkout/internal/database"
	"ticketing-checkout/internal/handlers"
	"ticketing-checkout/internal/idempotency"
	"ticketing-checkout/internal/logger"
	"ticketing-checkout/internal/middleware"
	"ticketing-checkout/internal/models"
	"ticketing-checkout/internal/repositories"
	"ticketing-checkout/internal/services"
	"ticketing-checkout/internal/worker"
)

const (
	ledgerInFlightTTL = 2 * time.Minute
	ledgerRetention   = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Server.Env)

	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	db, err := database.NewConnection(database.Config{
		DSN:     cfg.Database.DSN(),
		MaxOpen: cfg.Database.MaxOpen,
		MaxIdle: cfg.Database.MaxIdle,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to redis")
		}
		defer redisClient.Close()
	} else {
		logrus.Warn("REDIS_ADDR not set, carts and FX quotes are kept in process")
	}

	ledger, err := idempotency.NewBoltLedger(cfg.Idempotency.Path, ledgerInFlightTTL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open idempotency ledger")
	}
	defer ledger.Close()

	// Repositories
	ticketRepo := repositories.NewTicketRepository(db.DB)
	feeRuleRepo := repositories.NewFeeRuleRepository(db.DB)
	orderRepo := repositories.NewOrderRepository(db.DB)
	settlementRepo := repositories.NewSettlementRepository(db.DB)
	paymentMethodRepo := repositories.NewPaymentMethodRepository(db.DB)

	// Payment providers
	var quoteStore services.QuoteStore
	if redisClient != nil {
		quoteStore = services.NewRedisQuoteStore(redisClient)
	}
	fx := services.NewFXQuoteService(services.FXConfig{
		BaseURL:   cfg.FX.BaseURL,
		APIKey:    cfg.FX.APIKey,
		MarginBps: cfg.FX.MarginBps,
	}, quoteStore)

	mobileMoney := services.NewMobileMoneyGateway(services.MobileMoneyConfig{
		ConsumerKey:    cfg.MobileMoney.ConsumerKey,
		ConsumerSecret: cfg.MobileMoney.ConsumerSecret,
		Environment:    cfg.MobileMoney.Environment,
		CallbackURL:    cfg.MobileMoney.CallbackURL,
		IPNID:          cfg.MobileMoney.IPNID,
		StoreName:      cfg.MobileMoney.StoreName,
	})
	card := services.NewCardGateway(services.CardConfig{
		SecretKey:          cfg.Card.SecretKey,
		WebhookSecret:      cfg.Card.WebhookSecret,
		BaseURL:            cfg.Card.BaseURL,
		SettlementCurrency: cfg.Card.SettlementCurrency,
	}, fx)

	gateways := services.NewGatewayRouter(ledger, cfg.Card.SettlementCurrency)
	if cfg.MethodAllowed(models.PaymentMobileMoney) {
		gateways.Register(models.PaymentMobileMoney, mobileMoney)
	}
	if cfg.MethodAllowed(models.PaymentCard) {
		gateways.Register(models.PaymentCard, card)
	}

	// Cart
	var cartBackend cart.Backend = cart.NewMemoryBackend()
	if redisClient != nil {
		cartBackend = cart.NewRedisBackend(redisClient)
	}
	carts := cart.NewStore(cartBackend, cfg.Checkout.CartTTL)
	unsubscribe := carts.Subscribe(func(e cart.Event) {
		logrus.WithFields(logrus.Fields{
			"type":     e.Type,
			"owner":    e.Owner,
			"event_id": e.EventID,
		}).Debug("Cart changed")
	})
	defer unsubscribe()

	// Checkout
	validator := services.NewInventoryValidator(ticketRepo, cfg.Checkout.MaxQuantityPerType)
	fees := services.NewFeeService(feeRuleRepo, cfg.Checkout.FallbackFeePercent, cfg.Checkout.MaxQuantityPerType)

	allowed := make([]models.PaymentMethod, 0, len(cfg.Checkout.AllowedMethods))
	for _, m := range cfg.Checkout.AllowedMethods {
		allowed = append(allowed, models.PaymentMethod(m))
	}
	orderService := services.NewOrderService(
		validator,
		fees,
		services.NewAuthenticatedOrderCreator(orderRepo, gateways),
		services.NewGuestOrderCreator(orderRepo, gateways),
		carts,
		services.OrderServiceConfig{
			AllowedMethods: allowed,
			MaxQuantity:    cfg.Checkout.MaxQuantityPerType,
		},
	)

	// Reconciliation
	notifier := services.NewNotificationPublisher(services.NotifierConfig{
		Backend:      cfg.Notify.Backend,
		AMQPURL:      cfg.Notify.AMQPURL,
		Exchange:     cfg.Notify.Exchange,
		KafkaBrokers: cfg.Notify.KafkaBrokers,
		KafkaTopic:   cfg.Notify.KafkaTopic,
	})
	defer notifier.Close()

	policy, err := services.NewAcceptancePolicy(cfg.Checkout.AcceptancePolicy)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid acceptance policy")
	}

	reconciliation := services.NewReconciliationService(
		orderRepo,
		gateways,
		settlementRepo,
		paymentMethodRepo,
		notifier,
		policy,
		services.NewRetryPolicy(cfg.Checkout.VerifyMaxAttempts, cfg.Checkout.VerifyBaseDelay),
		services.ReconciliationConfig{VerifyTimeout: cfg.Checkout.VerifyTimeout},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := worker.NewReconciliationWorker(orderRepo, reconciliation, worker.Config{
		Interval:        cfg.Checkout.WorkerInterval,
		VerifyAfter:     cfg.Checkout.VerifyTimeout,
		PendingOrderTTL: cfg.Checkout.PendingOrderTTL,
	})
	go reconciler.Start(ctx)
	go pruneLedger(ctx, ledger)

	// HTTP
	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)
	defer rateLimiter.Stop()

	sessionStore := middleware.NewCookieStore(cfg.Session.Secret, cfg.IsProduction())

	router := handlers.NewRouter(handlers.RouterConfig{
		Checkout:    handlers.NewCheckoutHandler(validator, fees, orderService),
		Payments:    handlers.NewPaymentHandler(reconciliation, card, carts, cfg.Checkout.ReturnURL),
		Cart:        handlers.NewCartHandler(carts),
		Health:      handlers.NewHealthHandler(db),
		Identity:    middleware.NewIdentityMiddleware(sessionStore, cfg.Session.CookieName),
		RateLimiter: rateLimiter,
		CORS:        middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr": server.Addr,
			"env":  cfg.Server.Env,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
}

// pruneLedger drops old idempotency records once an hour
func pruneLedger(ctx context.Context, ledger *idempotency.BoltLedger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		removed, err := ledger.Prune(ledgerRetention)
		if err != nil {
			logrus.WithError(err).Error("Failed to prune idempotency ledger")
		} else if removed > 0 {
			logrus.WithField("removed", removed).Info("Pruned idempotency ledger")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
