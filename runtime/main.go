package main

import (
	"os"
	"strings"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/lac-hong-legacy/block-bots/services"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file loaded, using process environment")
	}

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, err := context.NewCtx(
		&services.ConfigService{},
		&services.RedisService{},
		&services.PostgresService{},
		&services.SqliteService{},
		&services.MonitoringService{},
		&services.AuditService{},
		&services.EventService{},
		&services.DNSResolver{},
		&services.TaskQueueService{},
		&services.HitCounterService{},
		&services.GeolocationService{},
		&services.IPLogService{},
		&services.BotVerificationService{},

		&services.JWTService{},
		&services.AuthMiddleware{},
		&services.AdminService{},
		&services.BlockBotsService{},

		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure services")
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err).Msg("Service stopped")
		return
	}
}
