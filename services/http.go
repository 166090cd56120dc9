package services

import (
	goContext "context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/swagger"
	_ "github.com/lac-hong-legacy/block-bots/docs"
	"github.com/lac-hong-legacy/block-bots/services/handlers"
	"github.com/lac-hong-legacy/block-bots/shared"
	log "github.com/sirupsen/logrus"
)

// HttpService is the guarded edge: every request outside /ping, /swagger and
// the admin API passes the block bots handler before it is forwarded
// upstream.
type HttpService struct {
	context.DefaultService

	blockBots  *BlockBotsService
	auth       *AuthMiddleware
	admin      *AdminService
	monitoring *MonitoringService
	taskQueue  *TaskQueueService

	port      int
	upstream  string
	skipPaths []string
	app       *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	svc.upstream = strings.TrimRight(os.Getenv("UPSTREAM_URL"), "/")
	if raw := os.Getenv("BLOCK_BOTS_SKIP_PATHS"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				svc.skipPaths = append(svc.skipPaths, p)
			}
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.blockBots = svc.Service(BLOCK_BOTS_SVC).(*BlockBotsService)
	svc.auth = svc.Service(AUTH_MIDDLEWARE_SVC).(*AuthMiddleware)
	svc.admin = svc.Service(ADMIN_SVC).(*AdminService)
	svc.taskQueue = svc.Service(TASK_QUEUE_SVC).(*TaskQueueService)
	if m, ok := svc.Service(MONITORING_SVC).(*MonitoringService); ok {
		svc.monitoring = m
	}

	svc.app = svc.NewApp()

	// Task handlers are all registered by now.
	svc.taskQueue.StartWorkers(goContext.Background())

	log.WithFields(log.Fields{"port": svc.port, "upstream": svc.upstream}).Info("HTTP server starting")
	return svc.app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

// NewApp builds the routes without listening.
func (svc *HttpService) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          svc.HandleError,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	if svc.monitoring != nil {
		app.Use(MonitoringMiddleware(svc.monitoring))
	}

	// Validation endpoints
	app.Get("/ping", svc.ping)
	app.Get("/swagger/*", swagger.HandlerDefault)

	adminHandler := handlers.NewAdminHandler(svc.admin)
	admin := app.Group("/admin/block-bots", svc.auth.RequiredAuth(), svc.auth.RequireAdmin())
	admin.Get("/sets/:set", adminHandler.ListSet)
	admin.Delete("/sets/:set", adminHandler.ClearSet)
	admin.Get("/hits", adminHandler.ListHits)
	admin.Get("/notified", adminHandler.ListNotified)
	admin.Get("/events", adminHandler.RecentEvents)

	app.Use(svc.auth.OptionalAuth())
	app.Use(svc.blockBots.DefaultHandler(WithSkipPaths(svc.skipPaths...)))

	if svc.upstream != "" {
		app.All("/*", svc.forward)
	}

	app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	return app
}

func (svc *HttpService) forward(c *fiber.Ctx) error {
	if err := proxy.Do(c, svc.upstream+c.OriginalURL()); err != nil {
		log.WithError(err).WithField("path", c.Path()).Error("Upstream request failed")
		return shared.NewAppError(http.StatusBadGateway, "Bad Gateway", nil)
	}
	c.Response().Header.Del(fiber.HeaderServer)
	return nil
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

func (svc *HttpService) HandleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return shared.ResponseInternalError(c, err)
}
