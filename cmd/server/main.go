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

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/auth"
	"github.com/ksred/lem-clearing/internal/clearing"
	"github.com/ksred/lem-clearing/internal/config"
	"github.com/ksred/lem-clearing/internal/database"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/metrics"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/settlement"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/ksred/lem-clearing/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures pretty logging outside production; the level is set once
// the configuration is loaded.
func init() {
	if os.Getenv("LEM_ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

type handlers struct {
	auth       *auth.GinHandlers
	params     *param.GinHandlers
	clearing   *clearing.GinHandlers
	settlement *settlement.GinHandlers
	accounts   *accounts.GinHandlers
	events     *ledger.GinHandlers
	metrics    *metrics.Metrics
}

// main loads the configuration and runs the market API server. Every fatal
// exit happens here so the deferred cleanup in run always completes.
func main() {
	cfg, err := config.Load(os.Getenv("LEM_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		zlog.Fatal().Err(err).Msg("Server exited with error")
	}
	zlog.Info().Msg("Server exiting")
}

// run wires the market and serves it with graceful shutdown support. The
// settlement processor runs alongside when settlement.auto is set.
func run(cfg *config.Config) error {
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	marketMetrics, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	sinks := []ledger.Sink{marketMetrics}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaSink := ledger.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		zlog.Info().
			Strs("brokers", cfg.Events.KafkaBrokers).
			Str("topic", cfg.Events.KafkaTopic).
			Msg("Publishing market events to Kafka")
	}
	clk := clock.New()
	l, err := ledger.New(db, clk, sinks...)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	// Drains pending events before the Kafka writer closes.
	defer l.Close()

	// Initialize services and handlers
	minPrice, maxPrice := cfg.Prices()
	paramService, err := param.NewService(context.Background(), l, types.MarketParams{
		MinPrice:     minPrice,
		MaxPrice:     maxPrice,
		QuantityStep: cfg.Market.QuantityStep,
		TriggerGrace: int64(cfg.Market.TriggerGrace / time.Second),
		Owner:        cfg.Market.Owner,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize market params: %w", err)
	}

	pricing, err := clearing.ParsePricingRule(cfg.Clearing.Pricing)
	if err != nil {
		return err
	}
	policy, err := clearing.ParseTriggerPolicy(cfg.Clearing.Trigger, cfg.Clearing.QuorumOrders)
	if err != nil {
		return err
	}
	clearingService := clearing.NewService(l, paramService, clearing.Options{
		Pricing: pricing,
		Policy:  policy,
	})

	accountsService := accounts.NewService(l, cfg.Market.Owner)

	// Settlement is bound to the clearing results once, here.
	settlementService, err := settlement.NewService(l, clearingService, accountsService)
	if err != nil {
		return fmt.Errorf("failed to initialize settlement: %w", err)
	}

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	authService.RegisterAPICredentials(cfg.Market.Owner, cfg.Auth.OwnerSecret, auth.PermissionAdmin, auth.PermissionTrade)

	h := handlers{
		auth:       auth.NewGinHandlers(authService),
		params:     param.NewGinHandlers(paramService),
		clearing:   clearing.NewGinHandlers(clearingService),
		settlement: settlement.NewGinHandlers(settlementService),
		accounts:   accounts.NewGinHandlers(accountsService),
		events:     ledger.NewGinHandlers(l),
		metrics:    marketMetrics,
	}

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authService, h)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	t, ctx := tomb.WithContext(context.Background())
	t.Go(func() error {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Settlement.Auto {
		processor := settlement.NewProcessor(settlementService, clk, cfg.Settlement.Interval)
		t.Go(func() error {
			return processor.Start(ctx)
		})
	}

	// Wait for interrupt signal or a failed component
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-t.Dying():
		zlog.Error().Err(t.Err()).Msg("Component stopped unexpectedly")
	}
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	t.Kill(nil)
	return t.Wait()
}


// setupRoutes configures all API endpoints and their handlers:
// - Metrics: public Prometheus scrape endpoint
// - Auth routes: public token issue
// - Market routes: JWT authentication, the caller is the trader
// - Internal routes: owner-only market administration
func setupRoutes(router *gin.Engine, authService *auth.Service, h handlers) {
	router.GET("/metrics", h.metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		market := v1.Group("")
		market.Use(middleware.JWTAuth(authService))
		{
			market.GET("/market/params", h.params.GetParamsHandler())

			market.POST("/orders", h.clearing.SubmitOrderHandler())
			market.GET("/orders/:order_id", h.clearing.GetOrderHandler())
			market.DELETE("/orders/:order_id", h.clearing.CancelOrderHandler())

			market.POST("/clearing/trigger", h.clearing.TriggerClearingHandler())
			market.GET("/clearing/result", h.clearing.GetClearingResultHandler())
			market.GET("/clearing/windows/:window_id", h.clearing.GetWindowHandler())

			market.POST("/settlement/:trade_id", h.settlement.SettleTradeHandler())
			market.GET("/settlement/:trade_id", h.settlement.GetSettlementHandler())
			market.GET("/settlements", h.settlement.GetTraderSettlementsHandler())

			market.GET("/accounts/me", h.accounts.GetAccountHandler())
			market.GET("/events", h.events.EventsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.OwnerAuth(authService))
		{
			internal.PUT("/market/bounds", h.params.SetBoundsHandler())
			internal.PUT("/market/quantity-step", h.params.SetQuantityStepHandler())
			internal.PUT("/market/deadline", h.params.SetDeadlineHandler())
			internal.POST("/windows", h.clearing.OpenWindowHandler())
			internal.POST("/accounts/:trader_id/deposit", h.accounts.DepositHandler())
		}
	}
}
