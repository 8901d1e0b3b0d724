package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fpang/ai-video-pipeline/internal/assemble"
	"github.com/fpang/ai-video-pipeline/internal/comfy"
	"github.com/fpang/ai-video-pipeline/internal/compile"
	"github.com/fpang/ai-video-pipeline/internal/crawler"
	"github.com/fpang/ai-video-pipeline/internal/ledger"
	"github.com/fpang/ai-video-pipeline/internal/llm"
	"github.com/fpang/ai-video-pipeline/internal/scene"
)

// Stage executor contracts. Each executor wraps exactly one external call
// plus local validation; the orchestrator alone decides retry, fail-fast or
// degrade. Scenario tests substitute stubs for all of these.

// TopicSource finds trending topic candidates for the collect stage.
type TopicSource interface {
	Trending(ctx context.Context, keywords []string) ([]scene.Topic, error)
}

// ScriptWriter turns a topic into a narration script.
type ScriptWriter interface {
	WriteScript(ctx context.Context, topic *scene.Topic, style string, targetSec float64) (*scene.Script, ledger.Usage, error)
}

// SceneSplitter breaks a script into ordered scenes.
type SceneSplitter interface {
	SplitScenes(ctx context.Context, script *scene.Script, style string) ([]*scene.Scene, ledger.Usage, error)
}

// Generator executes compiled requests on the generation backend.
type Generator interface {
	// Health must pass before any generation stage runs; a failure is a
	// fatal precondition, not a retryable stage error.
	Health(ctx context.Context) error
	Generate(ctx context.Context, req *compile.GenerationRequest, destDir string) (*comfy.Artifact, error)
}

// ConsistencyChecker scores a generated clip against its reference keyframe.
type ConsistencyChecker interface {
	Score(ctx context.Context, keyframePath, clipPath string) (float64, ledger.Usage, error)
}

// Assembler concatenates accepted clips into the final video.
type Assembler interface {
	Assemble(ctx context.Context, clips []string, narrationPath, outPath string) (string, error)
}

// --- Production wiring ---

// Deps bundles the stage executors the orchestrator drives.
type Deps struct {
	Topics    TopicSource
	Writer    ScriptWriter
	Splitter  SceneSplitter
	Generator Generator
	Checker   ConsistencyChecker
	Assembler Assembler

	// ModelName keys LLM usage entries in the ledger.
	ModelName string
}

// geminiScript adapts llm.Client to the script-stage contracts.
type geminiScript struct {
	llm *llm.Client
}

func (g *geminiScript) WriteScript(ctx context.Context, topic *scene.Topic, style string, targetSec float64) (*scene.Script, ledger.Usage, error) {
	script, usage, err := g.llm.WriteScript(ctx, topic, style, targetSec)
	if err != nil {
		err = &ExternalServiceError{Service: "llm", Err: err}
	}
	return script, toLedgerUsage(usage), err
}

func (g *geminiScript) SplitScenes(ctx context.Context, script *scene.Script, style string) ([]*scene.Scene, ledger.Usage, error) {
	scenes, usage, err := g.llm.SplitScenes(ctx, script, style)
	if err != nil {
		err = &ExternalServiceError{Service: "llm", Err: err}
	}
	return scenes, toLedgerUsage(usage), err
}

// geminiChecker scores clip consistency by extracting a frame from the clip
// and asking the LLM to compare it with the keyframe.
type geminiChecker struct {
	llm *llm.Client
}

func (g *geminiChecker) Score(ctx context.Context, keyframePath, clipPath string) (float64, ledger.Usage, error) {
	framePath := strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + "_check.png"
	if err := assemble.ExtractFrame(ctx, clipPath, framePath); err != nil {
		return 0, ledger.Usage{}, &ExternalServiceError{Service: "ffmpeg", Err: err}
	}

	score, usage, err := g.llm.ScoreConsistency(ctx, keyframePath, framePath)
	if err != nil {
		return 0, toLedgerUsage(usage), &ExternalServiceError{Service: "llm", Err: err}
	}
	return score, toLedgerUsage(usage), nil
}

// backendGenerator adapts comfy.Client, tagging failures as external.
type backendGenerator struct {
	client *comfy.Client
}

func (b *backendGenerator) Health(ctx context.Context) error {
	if err := b.client.Health(ctx); err != nil {
		return &ExternalServiceError{Service: "backend", Err: err}
	}
	return nil
}

func (b *backendGenerator) Generate(ctx context.Context, req *compile.GenerationRequest, destDir string) (*comfy.Artifact, error) {
	art, err := b.client.Generate(ctx, req, destDir)
	if err != nil {
		return nil, &ExternalServiceError{Service: "backend", Err: err}
	}
	return art, nil
}

// crawlerSource adapts crawler.Client.
type crawlerSource struct {
	client *crawler.Client
}

func (c *crawlerSource) Trending(ctx context.Context, keywords []string) ([]scene.Topic, error) {
	topics, err := c.client.Trending(ctx, keywords)
	if err != nil {
		return nil, &ExternalServiceError{Service: "crawler", Err: err}
	}
	return topics, nil
}

// NewDeps wires the production executors: Gemini for script, segmentation and
// consistency, the generation backend for frames, ffmpeg for assembly, and
// the crawler (nil when no crawler URL is configured).
func NewDeps(llmClient *llm.Client, backend *comfy.Client, crawlerClient *crawler.Client) Deps {
	d := Deps{
		Writer:    &geminiScript{llm: llmClient},
		Splitter:  &geminiScript{llm: llmClient},
		Generator: &backendGenerator{client: backend},
		Checker:   &geminiChecker{llm: llmClient},
		Assembler: assemble.New(),
		ModelName: llmClient.Model(),
	}
	if crawlerClient != nil {
		d.Topics = &crawlerSource{client: crawlerClient}
	}
	return d
}

func toLedgerUsage(u llm.Usage) ledger.Usage {
	return ledger.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          u.CostUSD,
	}
}

var _ Assembler = (*assemble.Assembler)(nil)
