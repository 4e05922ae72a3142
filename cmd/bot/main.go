package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"english-teacher-bot/internal/ai"
	"english-teacher-bot/internal/bot"
	"english-teacher-bot/internal/database"
	"english-teacher-bot/internal/handlers"
	"english-teacher-bot/internal/lesson"
	"english-teacher-bot/internal/scheduler"
	"english-teacher-bot/internal/session"
	"english-teacher-bot/internal/speech"
	"english-teacher-bot/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	// Logger config from env (LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT)
	loggerConfig := &logger.Config{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
		Output: getEnv("LOG_OUTPUT", "stdout"),
	}
	zapLogger, err := logger.New(loggerConfig, logger.DefaultServiceName)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		zap.L().Fatal("BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConfig := database.Config{
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   os.Getenv("DB_NAME"),
		SSLMode:  os.Getenv("DB_SSLMODE"),
	}

	db, err := database.New(ctx, dbConfig)
	if err != nil {
		zap.L().Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	zap.L().Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		zap.L().Fatal("Failed to run migrations", zap.Error(err))
	}

	groupID := getEnvInt64("GROUP_ID", 0)

	b, err := bot.New(botToken, groupID)
	if err != nil {
		zap.L().Fatal("Failed to create bot", zap.Error(err))
	}

	apiKey := os.Getenv("OPENAI_API_KEY")

	var engine speech.Engine
	if apiKey != "" {
		engine = speech.NewOpenAI(os.Getenv("OPENAI_BASE_URL"), apiKey)
	} else {
		zap.L().Warn("OPENAI_API_KEY is not set, running with the dev speech engine")
		engine = speech.Dev{}
	}
	dialog := ai.NewOpenAI(os.Getenv("OPENAI_BASE_URL"), apiKey)

	location, err := time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		zap.L().Fatal("Invalid TIMEZONE", zap.Error(err))
	}

	sessions := session.NewManager()
	orchestrator := lesson.New(db, dialog, engine, b, sessions)

	sched := scheduler.New(scheduler.Config{
		Location:              location,
		LessonTime:            getEnv("LESSON_TIME", "12:00"),
		ReinforcementInterval: time.Duration(getEnvInt64("REINFORCEMENT_INTERVAL_MINUTES", 90)) * time.Minute,
	}, db, dialog, engine, b, sessions)

	if err := sched.Start(); err != nil {
		zap.L().Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	deps := &handlers.Deps{
		Bot:          b,
		Orchestrator: orchestrator,
		Scheduler:    sched,
		AdminID:      getEnvInt64("ADMIN_ID", 0),
		DevMode:      os.Getenv("DEV_MODE") == "true",
	}

	zap.L().Info("Bot started successfully")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.API.GetUpdatesChan(u)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				handlers.HandleUpdate(deps, update)
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		b.API.StopReceivingUpdates()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.L().Error("Bot stopped with error", zap.Error(err))
	}
	zap.L().Info("Bot stopped")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		zap.L().Fatal("Invalid "+key, zap.Error(err))
	}
	return n
}
