package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/futures_level_bot/internal/backoff"
	"github.com/vitos/futures_level_bot/internal/infrastructure/exchange"
	"github.com/vitos/futures_level_bot/internal/infrastructure/logger"
	"github.com/vitos/futures_level_bot/internal/infrastructure/storage"
	"github.com/vitos/futures_level_bot/internal/usecase"
	"github.com/vitos/futures_level_bot/internal/web"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Exchange struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`
	Trading struct {
		Symbol             string  `yaml:"symbol"`
		Asset              string  `yaml:"asset"`
		Leverage           int     `yaml:"leverage"`
		MinStakePct        float64 `yaml:"min_stake_pct"`
		MaxStakePct        float64 `yaml:"max_stake_pct"`
		StopFactor         float64 `yaml:"stop_factor"`
		TrailFactor        float64 `yaml:"trail_factor"`
		ProximityThreshold float64 `yaml:"proximity_threshold"`
		CloseOffset        float64 `yaml:"close_offset"`
		MinOrderQty        float64 `yaml:"min_order_qty"`
		RefreshIntervalSec int     `yaml:"refresh_interval_sec"`
		CloseRetryDelaySec int     `yaml:"close_retry_delay_sec"`
	} `yaml:"trading"`
	Risk struct {
		MaxDailyLosses int     `yaml:"max_daily_losses"`
		MaxDrawdown    float64 `yaml:"max_drawdown"`
	} `yaml:"risk"`
	Storage struct {
		StatePath string `yaml:"state_path"`
		DBPath    string `yaml:"db_path"`
	} `yaml:"storage"`
	Stream struct {
		BackoffBaseSec int `yaml:"backoff_base_sec"`
		BackoffMaxSec  int `yaml:"backoff_max_sec"`
		MaxAttempts    int `yaml:"max_attempts"` // 0 reconnects forever
	} `yaml:"stream"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"` // empty logs to stderr
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// 1. Load Config
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Credentials come from the environment, never from the config file.
	_ = godotenv.Load()
	apiKey := os.Getenv("BYBIT_API_KEY")
	apiSecret := os.Getenv("BYBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		fmt.Println("BYBIT_API_KEY and BYBIT_API_SECRET must be set")
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	tradeStore, err := storage.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer tradeStore.Close()
	stateFile := storage.NewStateFile(cfg.Storage.StatePath)

	// 4. Init Exchange (Bybit)
	streamPolicy := backoff.Policy{
		Base:        time.Duration(cfg.Stream.BackoffBaseSec) * time.Second,
		Max:         time.Duration(cfg.Stream.BackoffMaxSec) * time.Second,
		MaxAttempts: cfg.Stream.MaxAttempts,
	}
	bybitAdapter := exchange.NewBybitAdapter(
		apiKey, apiSecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint,
		streamPolicy, log,
	)

	// 5. Wire Services
	stateStore := usecase.NewStateStore(stateFile, cfg.Trading.MinStakePct, cfg.Trading.MaxStakePct, log)
	riskGate := usecase.NewRiskGate(stateStore, cfg.Risk.MaxDailyLosses, cfg.Risk.MaxDrawdown, log)
	analyzer := usecase.NewCandleAnalyzer(bybitAdapter, log)
	controller := usecase.NewPositionController(bybitAdapter, stateStore, tradeStore, usecase.ControllerConfig{
		Symbol:             cfg.Trading.Symbol,
		Leverage:           cfg.Trading.Leverage,
		StopFactor:         cfg.Trading.StopFactor,
		TrailFactor:        cfg.Trading.TrailFactor,
		ProximityThreshold: cfg.Trading.ProximityThreshold,
		CloseOffset:        cfg.Trading.CloseOffset,
		MinOrderQty:        cfg.Trading.MinOrderQty,
		CloseRetryDelay:    time.Duration(cfg.Trading.CloseRetryDelaySec) * time.Second,
	}, log)
	engine := usecase.NewEngine(bybitAdapter, analyzer, stateStore, riskGate, controller, usecase.EngineConfig{
		Symbol:          cfg.Trading.Symbol,
		Asset:           cfg.Trading.Asset,
		RefreshInterval: time.Duration(cfg.Trading.RefreshIntervalSec) * time.Second,
	}, log)

	// 6. Consume engine events
	go func() {
		for ev := range engine.Events() {
			switch ev.Type {
			case usecase.EventError:
				log.Error("Engine error", zap.Error(ev.Err))
			case usecase.EventPositionOpened:
				log.Info("Position opened",
					zap.String("side", string(ev.Position.Side)),
					zap.Float64("entry", ev.Position.EntryPrice),
					zap.Float64("stop", ev.Position.StopLoss),
					zap.Float64("take_profit", ev.Position.TakeProfit))
			case usecase.EventPositionClosed:
				log.Info("Position closed",
					zap.String("reason", string(ev.Result.Reason)),
					zap.Float64("exit", ev.Result.ExitPrice),
					zap.Float64("pnl", ev.Result.PnL))
			case usecase.EventStopLossUpdated:
				log.Info("Stop loss moved", zap.Float64("stop", ev.StopLoss))
			case usecase.EventLevelUpdate:
				log.Debug("Level snapshot refreshed")
			default:
				log.Info("Engine event", zap.String("type", string(ev.Type)))
			}
		}
	}()

	// 7. Start Engine
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}

	// 8. Web Server
	srv := web.NewServer(cfg.Server.Port, engine, stateStore, tradeStore, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Web server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error("Engine shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
}
