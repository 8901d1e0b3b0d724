package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fpang/ai-video-pipeline/internal/assemble"
	"github.com/fpang/ai-video-pipeline/internal/comfy"
	"github.com/fpang/ai-video-pipeline/internal/compile"
	"github.com/fpang/ai-video-pipeline/internal/config"
	"github.com/fpang/ai-video-pipeline/internal/crawler"
	"github.com/fpang/ai-video-pipeline/internal/ledger"
	"github.com/fpang/ai-video-pipeline/internal/llm"
	"github.com/fpang/ai-video-pipeline/internal/logging"
	"github.com/fpang/ai-video-pipeline/internal/pipeline"
	"github.com/fpang/ai-video-pipeline/internal/scene"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	configFlag     string
	keywordsFlag   []string
	styleFlag      string
	durationFlag   float64
	outputFlag     string
	backendURLFlag string
	topicFlag      string
	narrationFlag  string
	checkpointFlag string
	fanOutFlag     int
	attemptsFlag   int
	thresholdFlag  float64
	timeoutFlag    time.Duration
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "videopipe",
	Short: "AI short-video generation pipeline",
	Long: `Videopipe turns a topic into a finished short video: it collects a trending
topic (or takes one from you), writes a narration script with Gemini, splits
it into scenes, renders a keyframe and a video clip per scene on a
ComfyUI-compatible backend, scores each clip against its keyframe for visual
consistency, and assembles the accepted clips with ffmpeg.

Every run is tracked as a session under the work directory, with per-stage
timing, token cost and produced artifacts recorded in a ledger document.

Examples:
  videopipe create --keywords cats,space --style "cinematic, warm light"
  videopipe create --topic "Why octopuses dream" --duration 30
  videopipe create -k travel --narration voiceover.mp3 --output trip.mp4
  videopipe sessions`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Run the full generation pipeline for one video",
	Run:   runCreate,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded pipeline sessions",
	Run:   runSessions,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "videopipe.yaml", "Path to the configuration file")

	createCmd.Flags().StringSliceVarP(&keywordsFlag, "keywords", "k", nil, "Keywords for trending topic collection")
	createCmd.Flags().StringVarP(&styleFlag, "style", "s", "", "Visual style hint applied to every scene (e.g. 'cinematic, warm light')")
	createCmd.Flags().Float64VarP(&durationFlag, "duration", "t", 0, "Target video duration in seconds (0 = default)")
	createCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Final video filename within the session directory")
	createCmd.Flags().StringVar(&backendURLFlag, "backend-url", "", "Generation backend URL (overrides config)")
	createCmd.Flags().StringVar(&topicFlag, "topic", "", "Pre-seeded topic title, skips trending collection")
	createCmd.Flags().StringVar(&narrationFlag, "narration", "", "Audio file muxed into the final video")
	createCmd.Flags().StringVar(&checkpointFlag, "checkpoint", "", "Model checkpoint name on the backend (overrides default)")
	createCmd.Flags().IntVar(&fanOutFlag, "fan-out", 0, "Concurrent scene generations (0 = config)")
	createCmd.Flags().IntVar(&attemptsFlag, "max-attempts", 0, "Generation attempts per scene (0 = config)")
	createCmd.Flags().Float64Var(&thresholdFlag, "threshold", 0, "Consistency score accept threshold (0 = config)")
	createCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Session timeout (0 = config)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCreate wires the full pipeline and executes one session.
func runCreate(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	_ = godotenv.Load()
	logging.Init()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyFlagOverrides(cfg)

	if cfg.Gemini.APIKey == "" {
		log.Fatal().Msg("No API key configured. Set GEMINI_API_KEY or gemini.api_key in the config file")
	}
	if err := assemble.CheckFFmpegAvailable(); err != nil {
		log.Fatal().Err(err).Msg("ffmpeg is required for final assembly")
	}

	ctx := context.Background()
	llmClient, err := llm.NewClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Gemini client")
	}
	backend := comfy.NewClient(cfg.Backend.URL, uuid.NewString(), cfg.Backend.PollTimeout)

	var crawlerClient *crawler.Client
	if cfg.CrawlerURL != "" {
		crawlerClient = crawler.NewClient(cfg.CrawlerURL)
	}

	led, err := ledger.Open(cfg.WorkDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session ledger")
	}

	checkpoint := checkpointFlag
	if checkpoint == "" {
		checkpoint = compile.DefaultCheckpoint
	}

	logging.NewStartupLogger("videopipe").
		Endpoint("backend", cfg.Backend.URL).
		Endpoint("crawler", cfg.CrawlerURL).
		Feature("crawler", crawlerClient != nil).
		Feature("narration", narrationFlag != "").
		Config("model", cfg.Gemini.Model).
		Config("checkpoint", checkpoint).
		Config("workDir", cfg.WorkDir).
		Config("fanOut", fmt.Sprint(cfg.Pipeline.FanOut)).
		Config("maxAttempts", fmt.Sprint(cfg.Pipeline.MaxAttempts)).
		Config("threshold", fmt.Sprint(cfg.Pipeline.Threshold)).
		InitDuration(time.Since(initStart)).
		Log()

	orch := pipeline.New(
		led,
		compile.New(checkpoint),
		pipeline.NewDeps(llmClient, backend, crawlerClient),
		pipeline.Options{
			FanOut:         cfg.Pipeline.FanOut,
			MaxAttempts:    cfg.Pipeline.MaxAttempts,
			Threshold:      cfg.Pipeline.Threshold,
			SessionTimeout: cfg.Pipeline.SessionTimeout,
		},
	)

	in := pipeline.Input{
		Keywords:          keywordsFlag,
		Style:             styleFlag,
		TargetDurationSec: durationFlag,
		NarrationPath:     narrationFlag,
		OutputName:        outputFlag,
	}
	if topicFlag != "" {
		in.Topic = &scene.Topic{Title: topicFlag}
	}

	result := orch.Run(ctx, in)
	printResult(result)
	if !result.Success {
		os.Exit(1)
	}
}

// applyFlagOverrides layers create-command flags over the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if backendURLFlag != "" {
		cfg.Backend.URL = backendURLFlag
	}
	if fanOutFlag > 0 {
		cfg.Pipeline.FanOut = fanOutFlag
	}
	if attemptsFlag > 0 {
		cfg.Pipeline.MaxAttempts = attemptsFlag
	}
	if thresholdFlag > 0 {
		cfg.Pipeline.Threshold = thresholdFlag
	}
	if timeoutFlag > 0 {
		cfg.Pipeline.SessionTimeout = timeoutFlag
	}
}

// printResult renders the run outcome to the console.
func printResult(result *pipeline.RunResult) {
	fmt.Println()
	fmt.Println("============================================")
	if result.Success {
		fmt.Println("✅ Video generation complete")
	} else {
		fmt.Println("❌ Video generation failed")
	}
	fmt.Println("============================================")
	if result.SessionID != "" {
		fmt.Printf("Session: %s\n", result.SessionID)
	}
	if result.Success {
		fmt.Printf("Output:  %s\n", result.FinalVideoPath)
		if s := result.Summary; s != nil {
			fmt.Printf("Stages:  %s\n", strings.Join(s.Stages, " -> "))
			fmt.Printf("Artifacts: %d\n", s.ArtifactCount)
			for model, u := range s.Usage {
				fmt.Printf("Tokens (%s): %d prompt / %d completion, est. $%.4f\n",
					model, u.PromptTokens, u.CompletionTokens, u.CostUSD)
			}
		}
	} else {
		if result.FailedStage != "" {
			fmt.Printf("Failed stage: %s\n", result.FailedStage)
		}
		if result.Err != nil {
			fmt.Printf("Error: %v\n", result.Err)
		}
	}
}

// runSessions lists every recorded session, oldest first.
func runSessions(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()
	logging.Init()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	led, err := ledger.Open(cfg.WorkDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session ledger")
	}

	summaries := led.SummarizeAll()
	if len(summaries) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	for _, s := range summaries {
		marker := "❌"
		if s.Status == ledger.StatusCompleted {
			marker = "✅"
		} else if s.Status == ledger.StatusRunning {
			marker = "⏳"
		}
		fmt.Printf("%s %s  %s  %-9s  %d stages, %d artifacts, %d errors\n",
			marker,
			s.SessionID,
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.Status,
			len(s.Stages),
			s.ArtifactCount,
			s.ErrorCount)
		if s.FinalPath != "" {
			fmt.Printf("   %s\n", s.FinalPath)
		}
	}
}
