// ABOUTME: Tests for the simulated capability handlers
// ABOUTME: Checks progress steps, artifacts, and cancellation

package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-orchestrator/internal/task"
)

type recordedReport struct {
	progress int
	partial  string
}

func runSimulated(t *testing.T, capability task.Capability, input string) (string, []recordedReport) {
	t.Helper()
	h, err := Simulated(capability, 0)
	require.NoError(t, err)

	var reports []recordedReport
	report := func(_ context.Context, progress int, partial string) error {
		reports = append(reports, recordedReport{progress, partial})
		return nil
	}
	out, err := h.Handle(context.Background(), Assignment{TaskID: "t1", Capability: capability, Input: input}, report)
	require.NoError(t, err)
	return out, reports
}

func TestSimulated_Artifacts(t *testing.T) {
	tests := []struct {
		capability task.Capability
		artifact   string
		check      func(t *testing.T, data []byte)
	}{
		{task.CapabilityTranscription, "transcript.txt", func(t *testing.T, data []byte) {
			assert.Equal(t, "Welcome to the demo recording. Today we walk through the upload flow. Thanks for watching.\n", string(data))
		}},
		{task.CapabilityVision, "detections.json", func(t *testing.T, data []byte) {
			var got []Detection
			require.NoError(t, json.Unmarshal(data, &got))
			require.Len(t, got, 3)
			assert.Equal(t, "person", got[0].Label)
		}},
		{task.CapabilityGeneration, "report.md", func(t *testing.T, data []byte) {
			assert.True(t, strings.HasPrefix(string(data), "# Video Report\n"))
			assert.Contains(t, string(data), "- laptop (88%)")
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.capability), func(t *testing.T) {
			input := filepath.Join(t.TempDir(), "video-1", "meta.json")

			out, reports := runSimulated(t, tt.capability, input)
			assert.Equal(t, filepath.Join(filepath.Dir(input), tt.artifact), out)

			require.NotEmpty(t, reports)
			for i := 1; i < len(reports); i++ {
				assert.GreaterOrEqual(t, reports[i].progress, reports[i-1].progress)
			}
			assert.Equal(t, 100, reports[len(reports)-1].progress)

			data, err := os.ReadFile(out)
			require.NoError(t, err)
			tt.check(t, data)
		})
	}
}

func TestSimulated_TranscriptionStreamsText(t *testing.T) {
	_, reports := runSimulated(t, task.CapabilityTranscription, filepath.Join(t.TempDir(), "meta.json"))

	var text strings.Builder
	for _, r := range reports {
		text.WriteString(r.partial)
	}
	assert.Equal(t, strings.Join(transcriptLines, ""), text.String())
}

func TestSimulated_Cancelled(t *testing.T) {
	h, err := Simulated(task.CapabilityVision, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := filepath.Join(t.TempDir(), "meta.json")
	_, err = h.Handle(ctx, Assignment{TaskID: "t1", Input: input}, func(context.Context, int, string) error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(input), "detections.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSimulated_UnknownCapability(t *testing.T) {
	_, err := Simulated("ocr", 0)
	require.ErrorIs(t, err, task.ErrUnknownCapability)
}
