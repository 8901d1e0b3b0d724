// Package pipeline drives the generation stages that turn a topic brief into
// a finished short video. The orchestrator is a strict state machine over
// collect -> script -> segment -> per-scene (keyframe -> video ->
// consistency_check) -> assemble, and is the only component with cross-stage
// knowledge. Every transition is written to the session ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fpang/ai-video-pipeline/internal/assemble"
	"github.com/fpang/ai-video-pipeline/internal/compile"
	"github.com/fpang/ai-video-pipeline/internal/config"
	"github.com/fpang/ai-video-pipeline/internal/ledger"
	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Stage names as they appear in ledger records and run results.
const (
	StageCollect     = "collect"
	StageScript      = "script"
	StageSegment     = "segment"
	StageKeyframe    = "keyframe"
	StageVideo       = "video"
	StageConsistency = "consistency_check"
	StageAssemble    = "assemble"
)

// DefaultDurationSec is assumed when the caller does not request a duration.
const DefaultDurationSec = 45.0

// Options are the orchestrator policy knobs, normally taken from config.
type Options struct {
	// FanOut bounds how many scene sub-pipelines run concurrently.
	FanOut int
	// MaxAttempts bounds keyframe/video/consistency retries per scene.
	MaxAttempts int
	// Threshold is the minimum consistency score that accepts a clip
	// without retrying.
	Threshold float64
	// SessionTimeout bounds the whole run. In-flight external calls are
	// allowed to finish; no further stages start once it expires.
	SessionTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.FanOut <= 0 {
		o.FanOut = config.DefaultFanOut
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = config.DefaultMaxAttempts
	}
	if o.Threshold <= 0 {
		o.Threshold = config.DefaultThreshold
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = config.DefaultSessionTimeout
	}
}

// Input are the caller's parameters for one run.
type Input struct {
	Keywords          []string
	Style             string
	TargetDurationSec float64
	// Topic, when set, bypasses the collect stage entirely.
	Topic *scene.Topic
	// NarrationPath is an optional audio track muxed into the final video.
	NarrationPath string
	// OutputName is the final video filename within the session directory.
	OutputName string
}

func (in *Input) validate() error {
	if in.TargetDurationSec < 0 {
		return validationErrorf("target duration must not be negative, got %.1f", in.TargetDurationSec)
	}
	if in.Topic == nil && len(in.Keywords) == 0 {
		return validationErrorf("either keywords or a pre-seeded topic is required")
	}
	if in.Topic != nil && in.Topic.Title == "" {
		return validationErrorf("pre-seeded topic has no title")
	}
	return nil
}

func (in *Input) targetSec() float64 {
	if in.TargetDurationSec > 0 {
		return in.TargetDurationSec
	}
	return DefaultDurationSec
}

func (in *Input) outputName() string {
	if in.OutputName != "" {
		return in.OutputName
	}
	return "final.mp4"
}

// RunResult reports the outcome of a run. A failed result always names the
// failing stage and the session id so the run can be correlated with its
// ledger entry.
type RunResult struct {
	Success        bool
	SessionID      string
	FinalVideoPath string
	FailedStage    string
	Err            error
	Summary        *ledger.SessionSummary
}

// Orchestrator sequences stage executors and applies the retry/consistency
// policy. It is safe to run multiple sessions from one Orchestrator; sessions
// share no state beyond the ledger.
type Orchestrator struct {
	led      *ledger.Ledger
	compiler *compile.Compiler
	deps     Deps
	opts     Options
}

// New builds an orchestrator from its collaborators.
func New(led *ledger.Ledger, compiler *compile.Compiler, deps Deps, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{led: led, compiler: compiler, deps: deps, opts: opts}
}

// Run executes the full pipeline for one session.
func (o *Orchestrator) Run(ctx context.Context, in Input) *RunResult {
	sessionID, err := o.led.StartSession(ledger.InputParams{
		Keywords:          in.Keywords,
		Style:             in.Style,
		TargetDurationSec: in.TargetDurationSec,
		Topic:             topicTitle(in.Topic),
	})
	if err != nil {
		return &RunResult{Err: fmt.Errorf("start session: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.SessionTimeout)
	defer cancel()

	finalPath, err := o.run(ctx, sessionID, in)
	if err != nil {
		failed := failedStage(err)
		if endErr := o.led.EndSession(sessionID, ledger.StatusFailed, "", err.Error()); endErr != nil {
			log.Warn().Err(endErr).Str("sessionId", sessionID).Msg("Failed to close session")
		}
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Str("stage", failed).
			Msg("Pipeline run failed")
		return &RunResult{SessionID: sessionID, FailedStage: failed, Err: err}
	}

	if err := o.led.EndSession(sessionID, ledger.StatusCompleted, finalPath, ""); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to close session")
	}
	summary, _ := o.led.Summarize(sessionID)

	log.Info().
		Str("sessionId", sessionID).
		Str("video", finalPath).
		Msg("Pipeline run complete")
	return &RunResult{
		Success:        true,
		SessionID:      sessionID,
		FinalVideoPath: finalPath,
		Summary:        summary,
	}
}

// run is the stage state machine. It returns the final video path or the
// first fatal error, tagged with its stage.
func (o *Orchestrator) run(ctx context.Context, sessionID string, in Input) (string, error) {
	if err := in.validate(); err != nil {
		return "", &stageError{stage: StageCollect, err: err}
	}

	// collect: skipped entirely when the caller pre-seeds a topic.
	topic := in.Topic
	if topic == nil {
		err := o.stage(sessionID, StageCollect, 0, 1, func() ([]string, error) {
			if o.deps.Topics == nil {
				return nil, validationErrorf("no topic source configured and no topic supplied")
			}
			topics, err := o.deps.Topics.Trending(ctx, in.Keywords)
			if err != nil {
				return nil, err
			}
			if len(topics) == 0 {
				return nil, &ExternalServiceError{Service: "crawler",
					Err: fmt.Errorf("no topics returned for keywords %v", in.Keywords)}
			}
			topic = &topics[0]
			return []string{topic.Title}, nil
		})
		if err != nil {
			return "", &stageError{stage: StageCollect, err: err}
		}
	}

	// script
	var script *scene.Script
	err := o.stage(sessionID, StageScript, 0, 1, func() ([]string, error) {
		s, usage, err := o.deps.Writer.WriteScript(ctx, topic, in.Style, in.targetSec())
		o.recordUsage(sessionID, usage)
		if err != nil {
			return nil, err
		}
		script = s
		return []string{s.Title}, nil
	})
	if err != nil {
		return "", &stageError{stage: StageScript, err: err}
	}

	// segment
	var scenes []*scene.Scene
	err = o.stage(sessionID, StageSegment, 0, 1, func() ([]string, error) {
		ss, usage, err := o.deps.Splitter.SplitScenes(ctx, script, in.Style)
		o.recordUsage(sessionID, usage)
		if err != nil {
			return nil, err
		}
		if err := validateSceneOrder(ss); err != nil {
			return nil, err
		}
		scenes = ss
		return nil, nil
	})
	if err != nil {
		return "", &stageError{stage: StageSegment, err: err}
	}

	// Backend connectivity is a fatal precondition for every generation
	// stage; a failure here is recorded against the first stage that would
	// have needed it.
	if err := o.deps.Generator.Health(ctx); err != nil {
		o.record(sessionID, ledger.StageRecord{
			Stage:     StageKeyframe,
			Attempt:   1,
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
			Error:     err.Error(),
		})
		return "", &stageError{stage: StageKeyframe, err: err}
	}

	// Scene sub-pipelines run concurrently up to the fan-out limit. A scene
	// exhausting its retries on a hard error cancels the rest; two stages
	// for the same scene never overlap.
	sceneCtx, cancelScenes := context.WithCancel(ctx)
	defer cancelScenes()

	clips := make([]string, len(scenes))
	var g errgroup.Group
	g.SetLimit(o.opts.FanOut)
	for i, sc := range scenes {
		g.Go(func() error {
			clip, err := o.runScene(sceneCtx, sessionID, sc)
			if err != nil {
				cancelScenes()
				return err
			}
			clips[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	// assemble
	var finalPath string
	err = o.stage(sessionID, StageAssemble, 0, 1, func() ([]string, error) {
		outPath := filepath.Join(o.led.SessionDir(sessionID), in.outputName())
		p, aerr := o.deps.Assembler.Assemble(ctx, clips, in.NarrationPath, outPath)
		if aerr != nil {
			return nil, &ExternalServiceError{Service: "ffmpeg", Err: aerr}
		}
		finalPath = p
		o.recordArtifact(ctx, sessionID, "final", p)
		return []string{p}, nil
	})
	if err != nil {
		return "", &stageError{stage: StageAssemble, err: err}
	}
	return finalPath, nil
}

// runScene executes the keyframe -> video -> consistency_check triple for one
// scene, retrying with a freshly derived seed until the score passes the
// threshold or attempts are exhausted. When retries run out the best-scoring
// attempt is accepted and flagged below_threshold rather than dropped: a
// complete video beats a strict quality gate.
func (o *Orchestrator) runScene(ctx context.Context, sessionID string, sc *scene.Scene) (string, error) {
	destDir := filepath.Join(o.led.SessionDir(sessionID), fmt.Sprintf("scene_%03d", sc.ID))

	var best struct {
		clip  string
		score float64
		found bool
	}
	var lastErr error

	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		// The sequential loop guarantees a retry starts only after the
		// prior attempt's records are closed. A cancelled context here means
		// no further attempts start; the keyframe stage is what was due
		// next, so a failed result still names a stage.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("session timeout after %s: %w", o.opts.SessionTimeout, err)
			}
			return "", &stageError{stage: StageKeyframe, sceneID: sc.ID, err: err}
		}
		// In-flight external calls are not aborted on session timeout;
		// the gate above stops new attempts instead.
		callCtx := context.WithoutCancel(ctx)

		keyframePath, err := o.runKeyframe(callCtx, sessionID, sc, attempt, destDir)
		if err != nil {
			if isValidation(err) {
				return "", &stageError{stage: StageKeyframe, sceneID: sc.ID, err: err}
			}
			lastErr = &stageError{stage: StageKeyframe, sceneID: sc.ID, err: err}
			continue
		}

		clipPath, score, err := o.runVideoAndCheck(callCtx, sessionID, sc, attempt, destDir, keyframePath)
		if err != nil {
			if isValidation(err) {
				return "", err
			}
			lastErr = err
			continue
		}

		if score >= o.opts.Threshold {
			sc.AttachArtifact(StageVideo, clipPath)
			log.Info().
				Str("sessionId", sessionID).
				Int("scene", sc.ID).
				Int("attempt", attempt).
				Float64("score", score).
				Msg("Scene accepted")
			return clipPath, nil
		}

		if !best.found || score > best.score {
			best.clip, best.score, best.found = clipPath, score, true
		}
		log.Warn().
			Str("sessionId", sessionID).
			Int("scene", sc.ID).
			Int("attempt", attempt).
			Float64("score", score).
			Float64("threshold", o.opts.Threshold).
			Msg("Consistency below threshold")
	}

	if best.found {
		sc.AttachArtifact(StageVideo, best.clip)
		log.Warn().
			Str("sessionId", sessionID).
			Int("scene", sc.ID).
			Float64("score", best.score).
			Msg("Retries exhausted, accepting best attempt below threshold")
		return best.clip, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", &stageError{stage: StageVideo, sceneID: sc.ID,
		err: fmt.Errorf("no attempt produced an artifact")}
}

// runKeyframe compiles and executes the keyframe request for one attempt.
func (o *Orchestrator) runKeyframe(ctx context.Context, sessionID string, sc *scene.Scene, attempt int, destDir string) (string, error) {
	var path string
	err := o.stage(sessionID, StageKeyframe, sc.ID, attempt, func() ([]string, error) {
		req, err := o.compiler.Compile(sc, compile.WorkflowKeyframe, attempt)
		if err != nil {
			return nil, asStageInputError(err)
		}
		art, err := o.deps.Generator.Generate(ctx, req, destDir)
		if err != nil {
			return nil, err
		}
		path = art.Path
		o.recordArtifact(ctx, sessionID, "keyframe", art.Path)
		return []string{art.Path}, nil
	})
	return path, err
}

// runVideoAndCheck executes the video request and the consistency check for
// one attempt. The video stage record is closed only after the score is
// known so a below-threshold outcome is flagged on the record itself.
func (o *Orchestrator) runVideoAndCheck(ctx context.Context, sessionID string, sc *scene.Scene, attempt int, destDir, keyframePath string) (string, float64, error) {
	videoStart := time.Now().UTC()
	req, err := o.compiler.Compile(sc, compile.WorkflowVideo, attempt)
	if err != nil {
		verr := asStageInputError(err)
		o.record(sessionID, ledger.StageRecord{
			Stage: StageVideo, SceneID: sc.ID, Attempt: attempt,
			StartedAt: videoStart, EndedAt: time.Now().UTC(), Error: verr.Error(),
		})
		return "", 0, &stageError{stage: StageVideo, sceneID: sc.ID, err: verr}
	}

	art, err := o.deps.Generator.Generate(ctx, req, destDir)
	videoEnd := time.Now().UTC()
	if err != nil {
		o.record(sessionID, ledger.StageRecord{
			Stage: StageVideo, SceneID: sc.ID, Attempt: attempt,
			StartedAt: videoStart, EndedAt: videoEnd, Error: err.Error(),
		})
		return "", 0, &stageError{stage: StageVideo, sceneID: sc.ID, err: err}
	}

	checkStart := time.Now().UTC()
	score, usage, err := o.deps.Checker.Score(ctx, keyframePath, art.Path)
	o.recordUsage(sessionID, usage)
	if err != nil {
		// The clip itself was produced; the attempt still fails because it
		// was never scored.
		o.record(sessionID, ledger.StageRecord{
			Stage: StageVideo, SceneID: sc.ID, Attempt: attempt,
			StartedAt: videoStart, EndedAt: videoEnd, Success: true,
			Outputs: []string{art.Path},
		})
		o.record(sessionID, ledger.StageRecord{
			Stage: StageConsistency, SceneID: sc.ID, Attempt: attempt,
			StartedAt: checkStart, EndedAt: time.Now().UTC(), Error: err.Error(),
		})
		return "", 0, &stageError{stage: StageConsistency, sceneID: sc.ID, err: err}
	}

	flag := ""
	if score < o.opts.Threshold {
		flag = ledger.FlagBelowThreshold
	}
	o.record(sessionID, ledger.StageRecord{
		Stage: StageVideo, SceneID: sc.ID, Attempt: attempt,
		StartedAt: videoStart, EndedAt: videoEnd, Success: true,
		Flag: flag, Outputs: []string{art.Path},
	})
	o.record(sessionID, ledger.StageRecord{
		Stage: StageConsistency, SceneID: sc.ID, Attempt: attempt,
		StartedAt: checkStart, EndedAt: time.Now().UTC(), Success: true,
		Score: score, Flag: flag,
	})
	o.recordArtifact(ctx, sessionID, "video", art.Path)
	return art.Path, score, nil
}

// --- Ledger helpers ---

// stage runs fn and writes its stage record. fn's error is returned as-is;
// ledger write failures are logged, never override the stage outcome.
func (o *Orchestrator) stage(sessionID, stage string, sceneID, attempt int, fn func() ([]string, error)) error {
	start := time.Now().UTC()
	outputs, err := fn()

	rec := ledger.StageRecord{
		Stage:     stage,
		SceneID:   sceneID,
		Attempt:   attempt,
		StartedAt: start,
		EndedAt:   time.Now().UTC(),
		Success:   err == nil,
		Outputs:   outputs,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.record(sessionID, rec)
	return err
}

func (o *Orchestrator) record(sessionID string, rec ledger.StageRecord) {
	if err := o.led.RecordStage(sessionID, rec); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("stage", rec.Stage).Msg("Ledger write failed")
	}
}

func (o *Orchestrator) recordUsage(sessionID string, usage ledger.Usage) {
	if usage == (ledger.Usage{}) {
		return
	}
	if err := o.led.RecordUsage(sessionID, o.deps.ModelName, usage); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Usage write failed")
	}
}

func (o *Orchestrator) recordArtifact(ctx context.Context, sessionID, kind, path string) {
	meta := ledger.ArtifactMeta{}
	if probed, err := assemble.Probe(ctx, path); err == nil {
		meta = ledger.ArtifactMeta{
			Width:       probed.Width,
			Height:      probed.Height,
			SizeBytes:   probed.SizeBytes,
			DurationSec: probed.DurationSec,
		}
	}
	if err := o.led.RecordArtifact(sessionID, kind, path, meta); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("path", path).Msg("Artifact write failed")
	}
}

// --- Small helpers ---

// validateSceneOrder enforces the session invariant: scene ids unique and
// strictly ascending.
func validateSceneOrder(scenes []*scene.Scene) error {
	if len(scenes) == 0 {
		return validationErrorf("segmentation produced no scenes")
	}
	prev := 0
	for _, sc := range scenes {
		if err := sc.Validate(); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
		if sc.ID <= prev {
			return validationErrorf("scene ids must be strictly ascending: %d after %d", sc.ID, prev)
		}
		prev = sc.ID
	}
	return nil
}

// asStageInputError converts compiler validation failures into the
// never-retried validation kind; anything else passes through.
func asStageInputError(err error) error {
	var ise *compile.IncompleteSceneError
	if errors.As(err, &ise) {
		return &ValidationError{Msg: ise.Error()}
	}
	return err
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func failedStage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

func topicTitle(t *scene.Topic) string {
	if t == nil {
		return ""
	}
	return t.Title
}
