package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-market/internal/auth"
	"github.com/ksred/klear-market/internal/clearing"
	"github.com/ksred/klear-market/internal/config"
	"github.com/ksred/klear-market/internal/database"
	"github.com/ksred/klear-market/internal/exchange"
	"github.com/ksred/klear-market/internal/market"
	"github.com/ksred/klear-market/internal/payment"
	"github.com/ksred/klear-market/internal/settlement"
	"github.com/ksred/klear-market/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the market, clearing engine and settlement lifecycle behind
// the HTTP API and runs until interrupted
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database, cfg.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	var gatewayOpts []payment.Option
	if cfg.Escrow.Policy == config.EscrowPooled {
		gatewayOpts = append(gatewayOpts, payment.WithEscrowPolicy(payment.NewPooledEscrow(cfg.Escrow.OfficerName)))
	}
	gateway := payment.NewLedgerGateway(db, market.NewDatabase(db), gatewayOpts...)

	// Initialize services and handlers
	marketService := market.NewService(db, gateway)
	marketHandlers := market.NewGinHandlers(marketService)

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService, marketService)

	settlementService := settlement.NewService(db, gateway)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	engineOpts := []clearing.Option{}
	if cfg.Clearing.Lock == config.LockRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Failed to connect to redis")
		}
		engineOpts = append(engineOpts, clearing.WithLocker(clearing.NewRedisLocker(client, cfg.Clearing.LockTTL)))
	}
	engine := clearing.NewEngine(db, gateway, engineOpts...)
	clearingHandlers := clearing.NewGinHandlers(engine)

	// Background workers
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go clearing.NewProcessor(engine, cfg.Clearing.Interval).Start(processorCtx)

	if cfg.Feed.Enabled {
		feed := exchange.NewFeed(marketService, engine)
		go exchange.NewPoller(feed, cfg.Feed.Interval).Start(processorCtx)
	}

	// Initialize router
	router := gin.Default()

	// Setup API routes
	setupRoutes(router, cfg, authService, authHandlers, marketHandlers, clearingHandlers, settlementHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Starting market server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the clearing loop before the server so no cycle starts mid-shutdown
	processorCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for onboarding and tokens
// - Participant routes: Protected by JWT authentication
// - Internal routes: Protected by the internal API key
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	marketHandlers *market.GinHandlers,
	clearingHandlers *clearing.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Participant routes; the limiter runs after auth so it keys on the participant
		participant := v1.Group("")
		participant.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			participant.GET("/stocks", marketHandlers.ListStocksHandler())

			participant.POST("/account/deposit", marketHandlers.DepositHandler())
			participant.GET("/account/balance", marketHandlers.BalanceHandler())

			participant.POST("/inventory", marketHandlers.OriginateInventoryHandler())
			participant.GET("/inventory", marketHandlers.ListInventoryHandler())

			participant.POST("/orders/buy", marketHandlers.PlaceBuyOrderHandler())
			participant.POST("/orders/sell", marketHandlers.PlaceSellOrderHandler())
			participant.GET("/orders/:order_id", marketHandlers.GetOrderStatusHandler())

			participant.GET("/market/prices/:symbol", clearingHandlers.GetPricesHandler())

			participant.GET("/transactions", marketHandlers.ListTransactionsHandler())
			participant.GET("/transactions/:transaction_id", settlementHandlers.GetTransactionHandler())
			participant.POST("/transactions/:transaction_id/ship", settlementHandlers.ShipHandler())
			participant.POST("/transactions/:transaction_id/close", settlementHandlers.CloseHandler())
		}

		// Internal routes (operator and back-office surface)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.InternalKey))
		{
			internal.POST("/stocks", marketHandlers.CreateStockHandler())
			internal.POST("/market/prices", marketHandlers.RecordPriceHandler())
			internal.POST("/clearing/run", clearingHandlers.ClearMarketHandler())
			internal.POST("/transactions/:transaction_id/release", settlementHandlers.ReleaseEscrowHandler())
		}
	}
}
