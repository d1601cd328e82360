package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shortforge/api/internal/artifact"
	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/config"
	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
)

// Speaking pace used to size the script to the requested duration.
const wordsPerMinute = 150

const scriptSystemPrompt = `You are a scriptwriter for engaging YouTube Shorts and TikTok videos. ` +
	`Your scripts should be conversational, highlight the main point quickly, ` +
	`and be exactly the target duration. Break the script into clear scenes with visual suggestions.`

// LLM is the slice of the ollama client the script stage needs.
type LLM interface {
	Generate(ctx context.Context, modelName, system, prompt string) (string, error)
	Ping(ctx context.Context) error
}

// ScriptAdapter turns a topic into a structured scene script via a local
// LLM. The fallback path swaps in the smaller configured model.
type ScriptAdapter struct {
	cfg   *config.OllamaConfig
	llm   LLM
	store *artifact.Store
}

func NewScriptAdapter(cfg *config.OllamaConfig, llm LLM, store *artifact.Store) *ScriptAdapter {
	return &ScriptAdapter{cfg: cfg, llm: llm, store: store}
}

func (a *ScriptAdapter) Stage() model.Stage { return model.StageScript }

func (a *ScriptAdapter) Timeout() time.Duration {
	return time.Duration(a.cfg.TimeoutSeconds) * time.Second
}

func (a *ScriptAdapter) EstimateCost(in *Input) Estimate {
	if in.Fallback {
		return Estimate{MemoryMB: a.cfg.FallbackEstimateMB, Exclusive: true}
	}
	return Estimate{MemoryMB: a.cfg.EstimateMB, Exclusive: true}
}

func (a *ScriptAdapter) Digest(in *Input) string {
	spec := in.Job.Spec
	return artifact.Digest("script",
		spec.Topic,
		strconv.Itoa(spec.DurationSeconds),
		string(spec.Tone),
		string(spec.Style),
	)
}

func (a *ScriptAdapter) HealthCheck(ctx context.Context) error {
	return a.llm.Ping(ctx)
}

func (a *ScriptAdapter) Fallback(in *Input) bool {
	if in.Fallback || a.cfg.FallbackModel == "" {
		return false
	}
	in.Fallback = true
	return true
}

func (a *ScriptAdapter) Invoke(ctx context.Context, in *Input, lease *budget.Lease) (*Output, error) {
	modelName := a.cfg.Model
	if in.Fallback {
		modelName = a.cfg.FallbackModel
	}

	spec := in.Job.Spec
	raw, err := a.llm.Generate(ctx, modelName, scriptSystemPrompt, buildScriptPrompt(&spec))
	if err != nil {
		return nil, engineFault(ctx, model.StageScript, err, "script generation with "+modelName)
	}

	script, err := ParseScriptJSON(raw)
	if err != nil {
		return nil, fault.Stage(string(model.StageScript), fault.KindValidationFailure,
			"model %s returned an unusable script: %v", modelName, err)
	}
	normalizeScript(script, &spec)

	data, err := json.MarshalIndent(script, "", "  ")
	if err != nil {
		return nil, fault.WrapStage(string(model.StageScript), fault.KindEngineFailure, err)
	}
	key := artifact.Key{JobID: in.Job.ID, Stage: string(model.StageScript), Attempt: in.Attempt, Ext: "json"}
	rel, err := a.store.Put(key, data)
	if err != nil {
		return nil, fault.WrapStage(string(model.StageScript), fault.KindEngineFailure, err)
	}

	return &Output{
		Key:          key,
		ArtifactRel:  rel,
		Digest:       a.Digest(in),
		MediaSeconds: script.TotalDuration(),
		Script:       script,
		FallbackUsed: in.Fallback,
	}, nil
}

func buildScriptPrompt(spec *model.JobSpec) string {
	targetWords := spec.DurationSeconds * wordsPerMinute / 60
	var b strings.Builder
	fmt.Fprintf(&b, "Write a script for a %d-second vertical short about %q.\n\n", spec.DurationSeconds, spec.Topic)
	b.WriteString("Requirements:\n")
	fmt.Fprintf(&b, "- Tone: %s\n", spec.Tone)
	fmt.Fprintf(&b, "- Style: %s\n", spec.Style)
	fmt.Fprintf(&b, "- Target duration: %d seconds\n", spec.DurationSeconds)
	b.WriteString("- Include 3-5 scenes with visual suggestions\n")
	fmt.Fprintf(&b, "- Total word count: ~%d words\n\n", targetWords)
	b.WriteString("Format the output as JSON with:\n")
	b.WriteString("- title: Brief title for the video\n")
	b.WriteString("- scenes: Array of scenes, each with:\n")
	b.WriteString("  - duration: seconds\n")
	b.WriteString("  - visual: description of what to show\n")
	b.WriteString("  - voiceover: what to say\n")
	b.WriteString("- hashtags: 3-5 relevant hashtags\n")
	return b.String()
}

// ParseScriptJSON extracts the JSON object from a model reply, which is
// often wrapped in markdown or prose, and validates the result. An
// unparseable reply is an error; it is never replaced with placeholder
// content.
func ParseScriptJSON(raw string) (*model.Script, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var script model.Script
	if err := json.Unmarshal([]byte(raw[start:end+1]), &script); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}
	if len(script.Scenes) == 0 {
		return nil, fmt.Errorf("script has no scenes")
	}
	if strings.TrimSpace(script.VoiceoverText()) == "" {
		return nil, fmt.Errorf("script has no voiceover text")
	}
	return &script, nil
}

// normalizeScript fills the gaps smaller models leave: a missing title and
// scene durations. When the model gives no durations at all, the target is
// spread evenly across the scenes.
func normalizeScript(script *model.Script, spec *model.JobSpec) {
	if strings.TrimSpace(script.Title) == "" {
		script.Title = "Video about " + spec.Topic
	}
	if script.TotalDuration() > 0 {
		return
	}
	per := float64(spec.DurationSeconds) / float64(len(script.Scenes))
	for i := range script.Scenes {
		script.Scenes[i].DurationSeconds = per
	}
}
