package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/stage"
)

const refineSystemPrompt = `You are a scriptwriter for engaging YouTube Shorts and TikTok videos. ` +
	`You revise existing video scripts according to feedback without changing what works. ` +
	`You respond with JSON only.`

// ScriptLLM is the slice of the Ollama client the script service needs.
type ScriptLLM interface {
	Generate(ctx context.Context, modelName, system, prompt string) (string, error)
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// ScriptService serves the synchronous script endpoints: interactive
// refinement of a generated script and the model listing. Refinement runs
// on the same GPU budget as the pipeline, so a busy pipeline makes it wait
// briefly and then bail rather than queue forever.
type ScriptService struct {
	cfg         *config.Config
	llm         ScriptLLM
	budget      *budget.Budget
	acquireWait time.Duration
}

func NewScriptService(cfg *config.Config, llm ScriptLLM, bud *budget.Budget) *ScriptService {
	return &ScriptService{
		cfg:         cfg,
		llm:         llm,
		budget:      bud,
		acquireWait: 30 * time.Second,
	}
}

// Refine asks the LLM to revise a script according to freeform feedback and
// returns the revised script. The original is not stored anywhere; the
// client owns the script between generation and submission.
func (s *ScriptService) Refine(ctx context.Context, req *model.RefineScriptRequest) (*model.RefineScriptResponse, error) {
	if len(req.Script.Scenes) == 0 {
		return nil, fault.New(fault.KindValidationFailure, "script has no scenes to refine")
	}

	modelName := req.Model
	if modelName == "" {
		modelName = s.cfg.Ollama.Model
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, s.acquireWait)
	defer cancelAcquire()
	lease, err := s.budget.Acquire(acquireCtx, "script", s.cfg.Ollama.EstimateMB, true)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, fault.Stage(string(model.StageScript), fault.KindResourceUnavailable,
				"GPU is busy with a running job")
		}
		return nil, err
	}
	defer s.budget.Release(lease)

	genCtx, cancelGen := context.WithTimeout(ctx, time.Duration(s.cfg.Ollama.TimeoutSeconds)*time.Second)
	defer cancelGen()
	raw, err := s.llm.Generate(genCtx, modelName, refineSystemPrompt, buildRefinePrompt(&req.Script, req.Feedback))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Stage(string(model.StageScript), fault.KindStageTimeout,
				"script refinement timed out after %ds", s.cfg.Ollama.TimeoutSeconds)
		}
		return nil, fault.WrapStage(string(model.StageScript), fault.KindEngineFailure, err)
	}

	refined, err := stage.ParseScriptJSON(raw)
	if err != nil {
		return nil, fault.WrapStage(string(model.StageScript), fault.KindValidationFailure, err)
	}
	if refined.Title == "" {
		refined.Title = req.Script.Title
	}
	return &model.RefineScriptResponse{Script: *refined}, nil
}

// Models lists the models the LLM backend offers for the script stage.
func (s *ScriptService) Models(ctx context.Context) (*model.ModelsResponse, error) {
	models, err := s.llm.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return &model.ModelsResponse{Models: models}, nil
}

func buildRefinePrompt(script *model.Script, feedback string) string {
	current, _ := json.Marshal(script)
	return fmt.Sprintf(`Revise this short-video script according to the feedback.

Current script:
%s

Feedback: %s

Keep the same JSON structure: {"title": string, "scenes": [{"duration": seconds, "visual": string, "voiceover": string}], "hashtags": [string]}.
Keep the total duration close to %.0f seconds unless the feedback asks otherwise.
Respond with the revised JSON only, no explanations.`,
		current, feedback, script.TotalDuration())
}
