package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/kaichat/internal/api"
	"github.com/npezzotti/kaichat/internal/auth"
	"github.com/npezzotti/kaichat/internal/cache"
	"github.com/npezzotti/kaichat/internal/config"
	"github.com/npezzotti/kaichat/internal/database"
	"github.com/npezzotti/kaichat/internal/events"
	"github.com/npezzotti/kaichat/internal/server"
	"github.com/npezzotti/kaichat/internal/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redisKeyPrefix = "kaichat"

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func main() {
	configFile := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalw("db open", "error", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Errorw("db close", "error", err)
		}
	}()

	if err := database.Migrate(db.DB()); err != nil {
		logger.Fatalw("db migrate", "error", err)
	}

	opts := server.Options{
		RingTimeout: cfg.RingTimeout,
		EventRate:   cfg.EventRate,
		EventBurst:  cfg.EventBurst,
	}

	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatalw("redis connect", "error", err)
		}
		defer rdb.Close()

		opts.Presence = cache.NewRedisPresence(rdb, redisKeyPrefix)
		logger.Infow("presence mirror enabled", "redis", cfg.RedisURL)
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(logger, cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Errorw("kafka close", "error", err)
			}
		}()

		opts.Publisher = publisher
		logger.Infow("event publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var verifier auth.Verifier
	if cfg.Twilio.Enabled() {
		verifier = auth.NewTwilioVerifier(logger, cfg.Twilio.AccountSid, cfg.Twilio.AuthToken, cfg.Twilio.VerifyServiceSid)
	} else {
		logger.Warn("twilio is not configured, verification codes will be logged")
		verifier = auth.NewDevVerifier(logger)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, opts)
	if err != nil {
		logger.Fatalw("new chat server", "error", err)
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = chatServer.ResetPresence(resetCtx)
	resetCancel()
	if err != nil {
		logger.Fatalw("reset presence", "error", err)
	}

	tokens := auth.NewTokenIssuer(cfg.SigningKey, cfg.TokenTTL)
	srv := api.NewApp(mux, logger, chatServer, db, tokens, verifier, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("HTTP server shutdown", "error", err)
	}

	logger.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Errorw("chat server shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}
