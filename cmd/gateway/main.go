package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/tier-gate/internal/config"
	"github.com/aman-churiwal/tier-gate/internal/logger"
	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/server"
	"github.com/aman-churiwal/tier-gate/internal/service"
	"github.com/aman-churiwal/tier-gate/internal/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Must(logger.Config{Level: "info"}).Fatal("failed to load config", zap.Error(err))
	}

	log := logger.Must(cfg.LoggerConfig())
	defer log.Sync()
	zap.ReplaceGlobals(log)

	redis, err := storage.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	postgres, err := storage.NewPostgres(cfg.Database.URL, gormLogLevel(cfg.Database.LogLevel))
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	log.Info("connected to database")

	srv, err := server.New(cfg, redis, postgres, log)
	if err != nil {
		log.Fatal("failed to build server", zap.Error(err))
	}

	bootstrapAdmin(srv.Auth(), log)
	srv.StartBackground()

	go func() {
		if err := srv.Run(":" + cfg.Server.Port); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// bootstrapAdmin creates the first console user from ADMIN_EMAIL and
// ADMIN_PASSWORD when both are set.
func bootstrapAdmin(auth *service.AuthService, log *zap.Logger) {
	email, password := os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}

	_, err := auth.Register(context.Background(), email, password, "Administrator", models.RoleAdmin)
	switch {
	case err == nil:
		log.Info("bootstrap admin created", zap.String("email", email))
	case errors.Is(err, service.ErrUserExists):
	default:
		log.Error("failed to create bootstrap admin", zap.Error(err))
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
