package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	fiberws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"collabspace/collab"
	appconfig "collabspace/config"
	"collabspace/database"
	"collabspace/metrics"
	appserver "collabspace/server"
	"collabspace/utils"
	websocketpkg "collabspace/websocket"
)

// setupRoutes configures all API routes and middleware for the application
func setupRoutes(app *fiber.App, db *pgxpool.Pool, rdb *redis.Client, engine *collab.Engine, hub *websocketpkg.Hub, activity *database.ActivityLog, config *appconfig.Config, startTime time.Time, readyState *appserver.ReadyState) {
	// Security middleware
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge: func() int {
			if appconfig.GetEnvOrDefault("APP_ENV", "development") == "production" {
				return 31536000
			}
			return 0
		}(),
		HSTSPreloadEnabled: appconfig.GetEnvOrDefault("APP_ENV", "development") == "production",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	// CORS configuration
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(config.AllowedOrigins, ","),
		AllowCredentials: true,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, OPTIONS",
	}))

	// Prometheus HTTP metrics
	if appconfig.GetEnvAsBool("ENABLE_METRICS", true) {
		app.Use(metrics.PrometheusMiddleware())
	}

	// Prometheus exposition, served through the http.ResponseWriter adapter
	app.Get("/metrics", func(c *fiber.Ctx) error {
		req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, "/metrics", nil)
		if err != nil {
			return fiber.ErrInternalServerError
		}
		promhttp.Handler().ServeHTTP(appserver.NewFiberResponseWriter(c), req)
		return nil
	})

	// API group. Liveness and readiness are registered in CreateFiberApp so
	// they answer before route setup completes.
	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		health := fiber.Map{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
			"uptime":    time.Since(startTime).String(),
		}

		dbHealthy := true
		if db != nil {
			var fileCount int
			if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM files").Scan(&fileCount); err != nil {
				dbHealthy = false
				health["database"] = "unhealthy"
				health["database_error"] = err.Error()
			} else {
				health["database"] = "healthy"
				health["file_count"] = fileCount
			}
		} else {
			health["database"] = "disabled"
		}

		redisHealthy := true
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisHealthy = false
				health["redis"] = "unhealthy"
				health["redis_error"] = err.Error()
			} else {
				health["redis"] = "healthy"
			}
		} else {
			health["redis"] = "disabled"
		}

		health["workspaces"] = len(engine.Workspaces())
		health["instance_id"] = engine.InstanceID()

		if !dbHealthy || !redisHealthy {
			health["status"] = "unhealthy"
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}
		return c.JSON(health)
	})

	// Read-only workspace surface for dashboards
	api.Get("/workspaces", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"workspaces": engine.Workspaces()})
	})

	api.Get("/workspaces/:id/presence", func(c *fiber.Ctx) error {
		workspaceID := c.Params("id")
		if _, ok := engine.Workspace(workspaceID); !ok {
			return fiber.NewError(fiber.StatusNotFound, "workspace not active")
		}
		return c.JSON(fiber.Map{
			"workspace_id": workspaceID,
			"users":        engine.Presence(workspaceID),
		})
	})

	api.Get("/workspaces/:id/file", func(c *fiber.Ctx) error {
		workspaceID := c.Params("id")
		path := c.Query("path")
		if path == "" {
			return fiber.NewError(fiber.StatusBadRequest, "path query parameter required")
		}
		content, version, ok := engine.FileSnapshot(c.Context(), workspaceID, path)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "workspace not active")
		}
		return c.JSON(fiber.Map{
			"workspace_id": workspaceID,
			"path":         path,
			"content":      content,
			"version":      version,
			"locks":        engine.FileLocks(workspaceID, path),
		})
	})

	api.Get("/workspaces/:id/activity", func(c *fiber.Ctx) error {
		if activity == nil {
			return fiber.NewError(fiber.StatusNotFound, "activity log disabled")
		}
		entries, err := activity.Recent(c.Context(), c.Params("id"), c.QueryInt("limit", 50))
		if err != nil {
			utils.LogRequestError(c, "activity query failed", err, "workspace_id", c.Params("id"))
			return fiber.ErrInternalServerError
		}
		return c.JSON(fiber.Map{"activity": entries})
	})

	// WebSocket setup
	app.Use("/ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			utils.LogInfo("websocket upgrade",
				"ip", utils.ClientIP(c),
				"workspace_id", c.Query("workspace_id"),
				"user_id", c.Query("user_id"),
			)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", fiberws.New(func(conn *fiberws.Conn) {
		websocketpkg.HandleWebSocket(conn, hub, engine, config.JWTSecret)
	}))
}
