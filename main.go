package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-service/config"
	"binance-signal-service/internal/api"
	"binance-signal-service/internal/binance"
	"binance-signal-service/internal/cache"
	"binance-signal-service/internal/database"
	"binance-signal-service/internal/logging"
	"binance-signal-service/internal/market"
	"binance-signal-service/internal/notification"
	"binance-signal-service/internal/risk"
	"binance-signal-service/internal/service"
	"binance-signal-service/internal/strategy"
	"binance-signal-service/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("configuration failed")
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().
		Strs("symbols", cfg.Symbols).
		Str("preferred_mode", cfg.Source.PreferredMode).
		Msg("binance-signal-service starting")

	resolveSecrets(cfg, logger)

	restClient := binance.NewRESTClient(cfg.BinanceBaseURL, logger)
	wsClient := binance.NewWSClient(cfg.BinanceWSURL, cfg.Symbols, logger)

	store := market.NewDataStore(cfg.Symbols, cfg.KlineLimit)
	clock := market.NewClockSync(restClient, market.ClockConfig{
		MaxErrorMS:      cfg.Clock.MaxErrorMS,
		RefreshEvery:    time.Duration(cfg.Clock.RefreshSeconds) * time.Second,
		DegradedRetry:   time.Duration(cfg.Clock.DegradedRetrySecs) * time.Second,
		ForceCooldownMS: cfg.Clock.RefreshCooldownMS,
		DegradedTTLMS:   cfg.Clock.DegradedTTLMS,
	}, logger)

	sources := market.NewSourceManager(cfg.Symbols, store, clock, restClient, wsClient, market.SourceConfig{
		PreferredMode:         cfg.Source.PreferredMode,
		StaleSeconds:          cfg.Source.StaleSeconds,
		KlineStaleMS:          cfg.Source.KlineStaleMS,
		WSBackoffMin:          cfg.Source.WSBackoffMin,
		WSBackoffMax:          cfg.Source.WSBackoffMax,
		RESTPricePollSeconds:  cfg.Source.RESTPricePollSeconds,
		RESTKlinePollSeconds:  cfg.Source.RESTKlinePollSeconds,
		WSRecoverGoodTicks:    cfg.Source.WSRecoverGoodTicks,
		StateSyncKlines:       cfg.Source.StateSyncKlines,
		PremiumIndexPollSecs:  cfg.Source.PremiumIndexPollSecs,
		FundingPollSeconds:    cfg.Source.FundingPollSeconds,
		OIPollSeconds:         cfg.Source.OIPollSeconds,
		FundingHistoryLimit:   cfg.Source.FundingHistoryLimit,
		HealthLogEverySeconds: cfg.Source.HealthLogEverySeconds,
	}, logger)

	riskEngine, err := risk.NewEngine(cfg.Risk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("risk engine init failed")
	}

	cacheService := cache.NewService(cfg.Redis, logger)
	defer cacheService.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *database.DB
	var repo *database.Repository
	if cfg.Database.Enabled {
		db, err = database.NewDB(cfg.Database, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("database migrations failed")
		}
		repo = database.NewRepository(db)
	}

	telegram := notification.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, "", nil, logger)
	notifiers := []notification.Notifier{telegram}
	if cfg.Postback.URL != "" {
		notifiers = append(notifiers, notification.NewPostback(cfg.Postback.URL, cfg.Postback.JWTSecret, logger))
	}
	if cacheService.Enabled() {
		notifiers = append(notifiers, notification.NewRedisPublisher(cacheService, logger))
	}
	manager := notification.NewManager(logger, notifiers...)

	strategies := []strategy.Strategy{
		strategy.NewFakeBreakoutReversal(cfg.Strategy),
		strategy.NewFundingOISkew(cfg.Strategy),
		strategy.NewLiquidationFollow(cfg.Strategy),
		strategy.NewVolBreakout(cfg.Strategy),
	}

	deps := service.Deps{
		Store:      store,
		Clock:      clock,
		Sources:    sources,
		Strategies: strategies,
		Arbitrator: strategy.NewArbitrator(cfg.Strategy, logger),
		Risk:       riskEngine,
		Notifier:   manager,
		Telegram:   telegram,
	}
	if repo != nil {
		deps.Repo = repo
	}
	svc := service.New(cfg, deps, logger)
	telegram.SetLookup(svc)

	server := api.NewServer(cfg.API.ListenAddr, api.Deps{
		RunID:      svc.RunID(),
		Symbols:    cfg.Symbols,
		Mode:       sources.Mode,
		Health:     sources.Health,
		ClockState: clock.State,
		Risk:       riskEngine,
		Cache:      cacheService,
		DB:         db,
		Repo:       repo,
	}, logger)
	server.Start()

	sources.Start(ctx)
	go svc.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops api shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// resolveSecrets overlays Vault-held secrets onto the env-loaded config.
// Every miss keeps the env value.
func resolveSecrets(cfg *config.Config, logger zerolog.Logger) {
	client, err := vault.NewClient(cfg.Vault, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault init failed")
	}
	if !client.Enabled() {
		return
	}

	overlay := func(key string, dst *string) {
		v, ok, err := client.GetSecret(cfg.Vault.SecretPath, key)
		if err != nil {
			logger.Fatal().Str("key", key).Err(err).Msg("vault secret read failed")
		}
		if ok {
			*dst = v
			logger.Info().Str("key", key).Msg("secret loaded from vault")
		}
	}

	overlay("telegram_bot_token", &cfg.Telegram.BotToken)
	overlay("telegram_chat_id", &cfg.Telegram.ChatID)
	overlay("postback_jwt_secret", &cfg.Postback.JWTSecret)
	overlay("db_password", &cfg.Database.Password)
	overlay("redis_password", &cfg.Redis.Password)
}
