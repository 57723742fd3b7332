// ABOUTME: Deterministic stand-in handlers for transcription, vision, and generation
// ABOUTME: Each emits fixed progress steps and writes a result artifact beside its input

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389/coven-orchestrator/internal/task"
)

// step is one simulated unit of work.
type step struct {
	progress int
	partial  string
}

// Detection is one object found by the simulated vision handler.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	TimeSec    float64 `json:"time_sec"`
}

var transcriptLines = []string{
	"Welcome to the demo recording.",
	" Today we walk through the upload flow.",
	" Thanks for watching.",
}

var sampleDetections = []Detection{
	{Label: "person", Confidence: 0.97, TimeSec: 0},
	{Label: "laptop", Confidence: 0.88, TimeSec: 1},
	{Label: "cup", Confidence: 0.74, TimeSec: 2},
}

// Simulated returns a Handler for capability that sleeps delay between
// progress steps and writes its artifact into the input's directory.
func Simulated(capability task.Capability, delay time.Duration) (Handler, error) {
	var (
		steps    []step
		artifact string
		render   func(input string) ([]byte, error)
	)

	switch capability {
	case task.CapabilityTranscription:
		for i, line := range transcriptLines {
			steps = append(steps, step{progress: (i + 1) * 100 / len(transcriptLines), partial: line})
		}
		artifact = "transcript.txt"
		render = func(string) ([]byte, error) {
			return []byte(strings.TrimSpace(strings.Join(transcriptLines, "")) + "\n"), nil
		}

	case task.CapabilityVision:
		for i, d := range sampleDetections {
			steps = append(steps, step{
				progress: (i + 1) * 100 / len(sampleDetections),
				partial:  fmt.Sprintf("detected %s at %.0fs\n", d.Label, d.TimeSec),
			})
		}
		artifact = "detections.json"
		render = func(string) ([]byte, error) {
			return json.MarshalIndent(sampleDetections, "", "  ")
		}

	case task.CapabilityGeneration:
		steps = []step{
			{progress: 30, partial: "Outlining report. "},
			{progress: 70, partial: "Writing sections. "},
			{progress: 100, partial: "Done."},
		}
		artifact = "report.md"
		render = func(input string) ([]byte, error) {
			var b strings.Builder
			b.WriteString("# Video Report\n\n")
			fmt.Fprintf(&b, "Source: `%s`\n\n", input)
			b.WriteString("## Transcript\n\n")
			b.WriteString(strings.TrimSpace(strings.Join(transcriptLines, "")) + "\n\n")
			b.WriteString("## Objects\n\n")
			for _, d := range sampleDetections {
				fmt.Fprintf(&b, "- %s (%.0f%%)\n", d.Label, d.Confidence*100)
			}
			return []byte(b.String()), nil
		}

	default:
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownCapability, capability)
	}

	return HandlerFunc(func(ctx context.Context, a Assignment, report ReportFunc) (string, error) {
		for _, s := range steps {
			if !sleep(ctx, delay) {
				return "", ctx.Err()
			}
			if err := report(ctx, s.progress, s.partial); err != nil {
				return "", fmt.Errorf("reporting progress: %w", err)
			}
		}

		data, err := render(a.Input)
		if err != nil {
			return "", fmt.Errorf("rendering %s: %w", artifact, err)
		}
		dir := filepath.Dir(a.Input)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating output dir: %w", err)
		}
		out := filepath.Join(dir, artifact)
		if err := os.WriteFile(out, data, 0644); err != nil {
			return "", fmt.Errorf("writing %s: %w", artifact, err)
		}
		return out, nil
	}), nil
}
