package bootstrap

import (
	"strings"

	"verifier_server/adapter/in/http"
	"verifier_server/config"
	"verifier_server/infra/middleware"
	"verifier_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the fiber application with the full middleware stack
// and all routes registered.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "verifier-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	middleware.InitTokenBlacklist(deps.Redis)

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: (cfg.MaxUploadSizeMB + 1) * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		// Workbook uploads can be large; stream them instead of
		// buffering the whole body.
		StreamRequestBody:            true,
		DisablePreParseMultipartForm: true,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// AllowCredentials requires explicit origins, never "*".
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID,X-Session-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health checks, no auth
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.MongoDB)
	healthHandler.Register(app)

	// API routes, authenticated and rate limited
	api := app.Group("/api/v1")
	api.Use(middleware.RateLimit(deps.Redis, 50, 25))
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	sseHandler := http.NewSSEHandler(deps.RealtimeAdapter, deps.ZLog)
	sseHandler.Register(api)

	bulkHandler := http.NewBulkHandler(deps.BulkService, cfg.MaxUploadSizeMB, logger.Default())
	bulkHandler.Register(api)

	logger.Info("API server initialized")

	return app, cleanup, nil
}
