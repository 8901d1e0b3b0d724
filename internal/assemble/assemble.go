// Package assemble produces the final deliverable: the accepted scene clips
// concatenated in order, with the narration track muxed in when one is
// available. All media work shells out to ffmpeg/ffprobe with context
// cancellation support.
package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckFFmpegAvailable verifies ffmpeg is on PATH. Called once at startup so
// a missing binary fails the run before any generation cost is incurred.
func CheckFFmpegAvailable() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: final assembly is unavailable")
	}
	return nil
}

// Assembler concatenates scene clips into the final video.
type Assembler struct{}

// New returns an Assembler.
func New() *Assembler {
	return &Assembler{}
}

// Assemble concatenates clips in order into outPath, muxing narrationPath as
// the audio track when non-empty. Returns the final output path.
func (a *Assembler) Assemble(ctx context.Context, clips []string, narrationPath, outPath string) (string, error) {
	if len(clips) == 0 {
		return "", fmt.Errorf("no clips to assemble")
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	// The concat demuxer needs a list file; keep it next to the output so a
	// failed run leaves it behind for inspection.
	listPath := outPath + ".concat.txt"
	var b strings.Builder
	for _, clip := range clips {
		abs, err := filepath.Abs(clip)
		if err != nil {
			return "", fmt.Errorf("resolve clip path %s: %w", clip, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", abs)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{"-f", "concat", "-safe", "0", "-i", listPath}
	if narrationPath != "" {
		args = append(args, "-i", narrationPath, "-map", "0:v:0", "-map", "1:a:0", "-shortest")
	}
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-y", outPath)

	log.Info().
		Int("clips", len(clips)).
		Bool("narration", narrationPath != "").
		Str("output", outPath).
		Msg("Assembling final video")

	start := time.Now()
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("ffmpeg assembly failed: %w\nOutput: %s", err, string(output))
	}

	log.Info().Str("output", outPath).Dur("duration", elapsed).Msg("Assembly complete")
	return outPath, nil
}

// Meta describes a media file as reported by ffprobe.
type Meta struct {
	Width       int
	Height      int
	DurationSec float64
	SizeBytes   int64
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Probe extracts dimensions, duration and size from a media file. A missing
// ffprobe degrades to size-only metadata rather than failing the stage.
func Probe(ctx context.Context, path string) (*Meta, error) {
	meta := &Meta{}
	if info, err := os.Stat(path); err == nil {
		meta.SizeBytes = info.Size()
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		log.Debug().Str("path", path).Msg("ffprobe unavailable, size-only metadata")
		return meta, nil
	}

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var probed probeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range probed.Streams {
		if s.Width > 0 {
			meta.Width = s.Width
			meta.Height = s.Height
			break
		}
	}
	if probed.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil {
			meta.DurationSec = d
		}
	}
	if probed.Format.Size != "" {
		if n, err := strconv.ParseInt(probed.Format.Size, 10, 64); err == nil {
			meta.SizeBytes = n
		}
	}
	return meta, nil
}

// ExtractFrame pulls a single frame from the middle of a clip, for the
// consistency checker to compare against the scene keyframe.
func ExtractFrame(ctx context.Context, clipPath, outPath string) error {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-i", clipPath,
		"-vf", "select='eq(n\\,0)+gte(t\\,1)'",
		"-frames:v", "1",
		"-y", outPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("frame extraction failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}
