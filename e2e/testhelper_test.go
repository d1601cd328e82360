package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/client"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/ffmpeg"
	"github.com/shortforge/api/internal/handler"
	"github.com/shortforge/api/internal/middleware"
	"github.com/shortforge/api/internal/pipeline"
	"github.com/shortforge/api/internal/repository"
	"github.com/shortforge/api/internal/service"
	"github.com/shortforge/api/internal/stage"
	ws "github.com/shortforge/api/internal/websocket"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	repo  *repository.SQLiteRepository
	store *artifact.Store
}

// setupApp wires a Fiber app the way main.go does, against a throwaway
// SQLite database and artifact directory. Redis (localhost, DB 15) must be
// running; tests skip when it is not. No asynq worker runs, so admitted
// jobs stay queued — exactly what the HTTP layer tests need.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at localhost:6379: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open job database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store, err := artifact.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}

	cfg := &config.Config{
		Queue:     config.QueueConfig{MaxActiveJobs: 2, RetentionHours: 1},
		Pipeline:  config.PipelineConfig{MaxRetries: 1, BackoffSeconds: 0},
		Voice:     config.VoiceConfig{Binary: "tts", PresetModel: "tts_models/en/vctk/vits", PresetSpeaker: "p225", TimeoutSeconds: 60, EstimateMB: 2500},
		Caption:   config.CaptionConfig{Binary: "whisper", Model: "base", TimeoutSeconds: 60, EstimateMB: 2000},
		Render:    config.RenderConfig{FFmpegBinary: "ffmpeg", FFprobeBinary: "ffprobe", TimeoutSeconds: 60, EstimateMB: 512},
		Artifacts: config.ArtifactConfig{RetentionHours: 24, SweepIntervalMinutes: 60},
		Ollama: config.OllamaConfig{
			// Nothing listens here; script endpoints must fail fast and
			// report the engine as down.
			BaseURL:        "http://localhost:1",
			Model:          "llama3.1:8b",
			FallbackModel:  "llama3.2:3b",
			TimeoutSeconds: 2,
			EstimateMB:     6000,
		},
	}

	bud := budget.New(16000)
	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	ollamaClient := client.NewOllamaClient(&cfg.Ollama)
	runner := ffmpeg.ExecRunner{}

	orchestrator := pipeline.NewOrchestrator(repo, store, bud, hub, &cfg.Pipeline,
		stage.NewScriptAdapter(&cfg.Ollama, ollamaClient, store),
		stage.NewVoiceAdapter(&cfg.Voice, &cfg.Render, runner, store),
		stage.NewCaptionAdapter(&cfg.Caption, runner, store),
		stage.NewRenderAdapter(&cfg.Render, runner, store),
	)

	jobService := service.NewJobService(cfg, repo, store, asynqClient)
	scriptService := service.NewScriptService(cfg, ollamaClient, bud)

	jobHandler := handler.NewJobHandler(jobService, validate)
	scriptHandler := handler.NewScriptHandler(scriptService, validate)
	healthHandler := handler.NewHealthHandler(orchestrator, bud, nil)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", healthHandler.Health)

	api := app.Group("/api")

	// Use very high rate limits so tests don't get blocked
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(10000), jobHandler.Submit)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Get("/:jobId/artifacts/:stage", jobHandler.Artifact)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Post("/:jobId/resume", jobHandler.Resume)
	jobs.Delete("/:jobId", jobHandler.Delete)

	api.Get("/models", scriptHandler.Models)
	api.Post("/script/refine", rateLimiter.RefineLimit(10000), scriptHandler.Refine)

	return &testApp{app: app, repo: repo, store: store}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode digs the error code out of an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// submitJob admits a minimal job and returns its id.
func submitJob(t *testing.T, ta *testApp) string {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs",
		`{"topic": "The Power of Daily Habits", "durationSeconds": 45}`, nil)
	if err != nil {
		t.Fatalf("submit request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	body := parseJSON(t, resp)
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatalf("submit response has no job id: %v", body)
	}
	return jobID
}
