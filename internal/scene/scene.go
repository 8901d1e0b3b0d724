// Package scene holds the domain types flowing through the video pipeline:
// the researched topic, the generated script, and the per-scene records the
// segmentation stage produces for the request compiler.
package scene

import "fmt"

// Topic is one candidate subject for a video, either returned by the crawler
// or pre-seeded by the caller (which skips the collect stage entirely).
type Topic struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Summary  string   `json:"summary,omitempty"`
	Source   string   `json:"source,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Script is the narration script for one video, produced by the script stage.
type Script struct {
	TopicID   string  `json:"topic_id"`
	Title     string  `json:"title"`
	Narration string  `json:"narration"`
	TotalSec  float64 `json:"total_sec"`
}

// Style holds the visual style elements attached to a scene. Empty fields are
// simply omitted from the compiled prompt.
type Style struct {
	Subject      string `json:"subject,omitempty"`
	Environment  string `json:"environment,omitempty"`
	VisualStyle  string `json:"visual_style,omitempty"`
	CameraMotion string `json:"camera_motion,omitempty"`
}

// Tech holds the technical generation parameters for a scene. Zero values
// fall back to compiler defaults; the segmentation stage rarely sets them.
type Tech struct {
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Steps      int     `json:"steps,omitempty"`
	CFGScale   float64 `json:"cfg_scale,omitempty"`
	Sampler    string  `json:"sampler,omitempty"`
	Scheduler  string  `json:"scheduler,omitempty"`
	FrameCount int     `json:"frame_count,omitempty"`
	FPS        int     `json:"fps,omitempty"`
}

// ArtifactRef points at a file a generation stage produced for this scene.
type ArtifactRef struct {
	Stage string `json:"stage"`
	Path  string `json:"path"`
}

// Scene is one narrative unit within a session. IDs are unique and strictly
// ordered within the session. A scene is never mutated after creation except
// to attach artifact references.
type Scene struct {
	ID          int           `json:"id"`
	Description string        `json:"description"`
	Prompt      string        `json:"prompt"`
	DurationSec float64       `json:"duration_sec,omitempty"`
	Style       Style         `json:"style"`
	Tech        Tech          `json:"tech"`
	Seed        *int64        `json:"seed,omitempty"`
	Artifacts   []ArtifactRef `json:"artifacts,omitempty"`
}

// Validate reports whether the scene carries the fields the request compiler
// cannot default: a positive id and a non-empty generation prompt.
func (s *Scene) Validate() error {
	if s == nil {
		return fmt.Errorf("scene is nil")
	}
	if s.ID <= 0 {
		return fmt.Errorf("scene id must be positive, got %d", s.ID)
	}
	if s.Prompt == "" {
		return fmt.Errorf("scene %d: generation prompt is empty", s.ID)
	}
	return nil
}

// AttachArtifact records a produced file against the scene.
func (s *Scene) AttachArtifact(stage, path string) {
	s.Artifacts = append(s.Artifacts, ArtifactRef{Stage: stage, Path: path})
}
