package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/model"
)

// OllamaClient handles communication with the local Ollama server
type OllamaClient struct {
	httpClient    *http.Client
	baseURL       string
	model         string
	fallbackModel string
}

// GenerateOptions are the sampling options for a generate request
type GenerateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// GenerateRequest represents the request body for /api/generate
type GenerateRequest struct {
	Model     string          `json:"model"`
	System    string          `json:"system,omitempty"`
	Prompt    string          `json:"prompt"`
	Stream    bool            `json:"stream"`
	KeepAlive int             `json:"keep_alive"`
	Options   GenerateOptions `json:"options,omitempty"`
}

// GenerateResponse represents the response from /api/generate
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// TagsResponse represents the response from /api/tags
type TagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

// NewOllamaClient creates a new Ollama client
func NewOllamaClient(cfg *config.OllamaConfig) *OllamaClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:       cfg.BaseURL,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
	}
}

// Model returns the configured primary model name
func (c *OllamaClient) Model() string {
	return c.model
}

// FallbackModel returns the configured smaller fallback model name
func (c *OllamaClient) FallbackModel() string {
	return c.fallbackModel
}

// Generate runs a single non-streaming completion. keep_alive is zero so the
// model is unloaded right after the reply, freeing VRAM for the next stage.
func (c *OllamaClient) Generate(ctx context.Context, modelName, system, prompt string) (string, error) {
	reqBody := GenerateRequest{
		Model:     modelName,
		System:    system,
		Prompt:    prompt,
		Stream:    false,
		KeepAlive: 0,
		Options: GenerateOptions{
			Temperature: 0.7,
			TopP:        0.9,
			NumPredict:  1024,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var genResp GenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return genResp.Response, nil
}

// ListModels returns the models the Ollama server has pulled
func (c *OllamaClient) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var tags TagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	models := make([]model.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, model.ModelInfo{
			Name:          m.Name,
			SizeBytes:     m.Size,
			ParameterSize: m.Details.ParameterSize,
		})
	}

	return models, nil
}

// Ping reports whether the Ollama server is reachable
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	return nil
}

// Unload asks Ollama to evict a model from memory immediately
func (c *OllamaClient) Unload(ctx context.Context, modelName string) error {
	reqBody := GenerateRequest{Model: modelName, KeepAlive: 0}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error (status %d)", resp.StatusCode)
	}

	return nil
}
