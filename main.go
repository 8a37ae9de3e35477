package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"breakretest-bot/config"
	"breakretest-bot/internal/api"
	"breakretest-bot/internal/broker"
	"breakretest-bot/internal/circuit"
	"breakretest-bot/internal/database"
	"breakretest-bot/internal/engine"
	"breakretest-bot/internal/events"
	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/logging"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/notification"
	"breakretest-bot/internal/risk"
	"breakretest-bot/internal/trade"
	"breakretest-bot/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	appLogger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(appLogger)
	appLogger.Info("Structured logging initialized")

	rootLogger := newRootLogger(cfg.LoggingConfig)

	// Initialize event bus
	eventBus := events.NewEventBus()
	appLogger.Info("Event bus initialized")

	// Initialize notification manager
	notifyManager := notification.NewManager(cfg.NotificationConfig.Enabled)
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			}))
			appLogger.Info("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled || cfg.NotificationConfig.Discord.WebhookURL != "" {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			appLogger.Info("Discord notifications enabled")
		}
		notifyManager.SubscribeToEvents(eventBus)
	}

	// Initialize database
	ctx := context.Background()
	var repo *database.Repository
	var tradeStore trade.Store
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Name,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		repo = database.NewRepository(db)
		tradeStore = repo
		appLogger.Info("Database initialized")
	} else {
		appLogger.Warn("Database disabled, trades will not be persisted")
	}

	// Initialize Redis-backed risk state persistence
	var riskStore risk.StateStore
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		riskStore = database.NewRedisRiskStateStore(redisClient)
	}

	// Instrument registry with contract multipliers; config entries
	// layer over the built-in contracts
	instruments := market.NewInstrumentRegistry()
	for _, ic := range cfg.Instruments {
		inst := market.Instrument{
			Symbol:     ic.Symbol,
			Name:       ic.Name,
			Type:       market.InstrumentType(strings.ToUpper(ic.Type)),
			Multiplier: ic.Multiplier,
			TickSize:   ic.TickSize,
		}
		if inst.Type == "" {
			inst.Type = market.InstrumentEquity
		}
		if inst.TickSize == 0 {
			inst.TickSize = 0.01
		}
		if err := instruments.Register(inst); err != nil {
			log.Fatalf("Failed to register instrument %s: %v", ic.Symbol, err)
		}
		appLogger.Info("Instrument registered", "symbol", inst.Symbol, "multiplier", inst.Multiplier)
	}

	riskState := risk.NewState(riskStore)
	riskManager := risk.NewManager(risk.Config{
		Equity:          cfg.TradingConfig.Equity,
		RiskPerTrade:    cfg.RiskConfig.RiskPerTrade,
		MaxDailyLoss:    cfg.RiskConfig.MaxDailyLoss,
		MaxTradesPerDay: cfg.RiskConfig.MaxTradesPerDay,
	}, riskState, instruments, eventBus)

	// Circuit breaker for broker faults
	breaker := circuit.NewBreaker(circuit.Config{
		Enabled:        cfg.CircuitBreakerConfig.Enabled,
		FaultThreshold: cfg.CircuitBreakerConfig.FaultThreshold,
		FaultWindow:    time.Duration(cfg.CircuitBreakerConfig.FaultWindowSec) * time.Second,
	}, eventBus)

	// Broker credentials come from Vault, never from the environment
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}

	brk, err := broker.New(broker.FactoryConfig{Name: cfg.BrokerConfig.Name}, vaultClient)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}
	appLogger.Info("Broker initialized", "broker", brk.Name())

	// Level registry and trade lifecycle controller
	registry := levels.NewRegistry(eventBus)
	controller := trade.NewController(trade.Config{
		OrderTimeout:  time.Duration(cfg.BrokerConfig.OrderTimeoutSec) * time.Second,
		PartialExits:  cfg.RiskConfig.PartialExits,
		PartialExitRR: cfg.RiskConfig.PartialExitRR,
	}, brk, breaker, riskState, instruments, eventBus, tradeStore, rootLogger)

	// Trading engine
	eng, err := engine.New(cfg, eventBus, registry, instruments, riskManager, breaker, controller, brk, rootLogger)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	if repo != nil {
		eng.SetSignalStore(repo)
	}

	// Persist level state and the daily rollup when the session ends
	setupSessionPersistence(eventBus, repo, eng, notifyManager, appLogger)

	// Initialize web server
	server := api.NewServer(cfg, repo, eventBus, eng)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start web server: %v", err)
		}
	}()

	log.Println("Starting break/retest engine...")
	log.Printf("Symbols: %s", strings.Join(cfg.TradingConfig.Symbols, ", "))
	log.Printf("Web interface available at http://%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down web server: %v", err)
	}

	if err := eng.Stop(shutdownCtx, cfg.TradingConfig.FlattenAtClose); err != nil && err != engine.ErrNotRunning {
		log.Printf("Error stopping engine: %v", err)
	}

	if err := brk.Close(); err != nil {
		log.Printf("Error closing broker: %v", err)
	}

	log.Println("Shutdown complete")
}

// newRootLogger builds the zerolog logger shared by the engine and
// trade controller.
func newRootLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out *os.File
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			out = os.Stdout
		} else {
			out = f
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// setupSessionPersistence saves levels and the daily summary when the
// session stops, and pushes the rollup to notifiers.
func setupSessionPersistence(eventBus *events.EventBus, repo *database.Repository, eng *engine.Engine, notifyManager *notification.Manager, logger *logging.Logger) {
	eventBus.Subscribe(events.EventSessionStopped, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status := eng.Status()

		var wins, losses, scratches int
		for _, t := range status.Trades {
			if t.Status != trade.StatusClosed {
				continue
			}
			switch t.Result {
			case trade.ResultWin:
				wins++
			case trade.ResultLoss:
				losses++
			case trade.ResultScratch:
				scratches++
			}
		}

		if repo != nil {
			for _, symbol := range status.Symbols {
				for _, l := range eng.Levels(symbol) {
					if err := repo.SaveLevel(ctx, l); err != nil {
						logger.Warn("failed to save level", "level_id", l.ID, "error", err.Error())
					}
				}
			}

			summary := database.DailySummary{
				SessionDate: status.Session,
				TradesTaken: status.Risk.TradesToday,
				Wins:        wins,
				Losses:      losses,
				Scratches:   scratches,
				RealizedPnL: status.Risk.RealizedPnL,
			}
			if err := repo.SaveDailySummary(ctx, summary); err != nil {
				logger.Warn("failed to save daily summary", "error", err.Error())
			}
		}

		if err := notifyManager.SendDailySummary(status.Session, status.Risk.TradesToday, wins, losses, status.Risk.RealizedPnL); err != nil {
			logger.Warn("failed to send daily summary", "error", err.Error())
		}
	})
}
