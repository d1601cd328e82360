package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/client"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/handler"
	"github.com/shortforge/api/internal/middleware"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/pipeline"
	"github.com/shortforge/api/internal/repository"
	"github.com/shortforge/api/internal/service"
	"github.com/shortforge/api/internal/stage"
	ws "github.com/shortforge/api/internal/websocket"
	"github.com/shortforge/api/internal/worker"
)

func main() {
	// Local deployments keep engine paths and ports in a .env next to the
	// binary; a missing file is fine.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Durable job store
	repo, err := repository.NewSQLiteRepository(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open job database: %v", err)
	}
	defer repo.Close()

	// Artifact store
	store, err := artifact.NewStore(cfg.Artifacts.Root)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}

	// GPU memory budget. An explicit BUDGET_TOTAL_MB wins; otherwise the
	// detected GPU sizes the budget, or the CPU fallback when there is none.
	var gpuInfo *model.GPUInfo
	probe, probeErr := budget.Detect(ctx)
	if probeErr == nil {
		gpuInfo = &model.GPUInfo{Name: probe.Name, TotalMB: probe.TotalMB}
	}
	totalMB := cfg.Budget.TotalMB
	if totalMB <= 0 {
		if gpuInfo != nil {
			totalMB = gpuInfo.TotalMB
		} else {
			totalMB = cfg.Budget.FallbackTotalMB
		}
	}
	if gpuInfo != nil {
		log.Printf("GPU detected: %s (%d MB), budget %d MB", gpuInfo.Name, gpuInfo.TotalMB, totalMB)
	} else {
		log.Printf("No GPU detected (%v), running with a %d MB budget", probeErr, totalMB)
	}
	bud := budget.New(totalMB)

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Stage engines
	ollamaClient := client.NewOllamaClient(&cfg.Ollama)
	runner := ffmpeg.ExecRunner{}

	orchestrator := pipeline.NewOrchestrator(repo, store, bud, hub, &cfg.Pipeline,
		stage.NewScriptAdapter(&cfg.Ollama, ollamaClient, store),
		stage.NewVoiceAdapter(&cfg.Voice, &cfg.Render, runner, store),
		stage.NewCaptionAdapter(&cfg.Caption, runner, store),
		stage.NewRenderAdapter(&cfg.Render, runner, store),
	)

	// Initialize services
	jobService := service.NewJobService(cfg, repo, store, asynqClient)
	scriptService := service.NewScriptService(cfg, ollamaClient, bud)

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate)
	scriptHandler := handler.NewScriptHandler(scriptService, validate)
	healthHandler := handler.NewHealthHandler(orchestrator, bud, gpuInfo)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Artifact retention sweeper
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	jobService.StartSweeper(sweepCtx)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", healthHandler.Health)

	// API routes
	api := app.Group("/api")

	// Job routes
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Get("/:jobId/artifacts/:stage", jobHandler.Artifact)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Post("/:jobId/resume", jobHandler.Resume)
	jobs.Delete("/:jobId", jobHandler.Delete)

	// Script routes
	api.Get("/models", scriptHandler.Models)
	api.Post("/script/refine", rateLimiter.RefineLimit(cfg.RateLimit.RefinePerMin), scriptHandler.Refine)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, orchestrator)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, orchestrator *pipeline.Orchestrator) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	concurrency := cfg.Queue.MaxActiveJobs
	if concurrency <= 0 {
		concurrency = 1
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				service.QueuePipeline: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipelineWorker := worker.NewPipelineWorker(orchestrator)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipeline, pipelineWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
