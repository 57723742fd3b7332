// ABOUTME: Video ingestion that lays out a per-video working directory
// ABOUTME: Copies the source, extracts audio and frames with ffmpeg, and writes meta.json

package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default ffmpeg extraction settings.
const (
	DefaultAudioSampleRate = 16000
	DefaultFrameInterval   = 500 * time.Millisecond
)

// Meta describes an ingested video directory. Agents receive the path of
// its JSON encoding as their task input.
type Meta struct {
	VideoID     string    `json:"video_id"`
	IngestedAt  time.Time `json:"ingested_at"`
	SrcFilename string    `json:"src_filename"`
	RawPath     string    `json:"raw_path"`
	AudioPath   string    `json:"audio_path,omitempty"`
	FramesDir   string    `json:"frames_dir,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
}

// FileIngestor turns an uploaded video into the directory layout agents
// expect:
//
//	<videos_dir>/<id>/raw<ext>
//	<videos_dir>/<id>/audio.wav      (ffmpeg only)
//	<videos_dir>/<id>/frames/        (ffmpeg only)
//	<videos_dir>/<id>/meta.json
type FileIngestor struct {
	videosDir     string
	ffmpeg        string
	sampleRate    int
	frameInterval time.Duration
	logger        *slog.Logger
}

// IngestorOptions configures a FileIngestor.
type IngestorOptions struct {
	VideosDir string
	// FFmpegPath is the ffmpeg binary. Empty disables audio and frame
	// extraction; a bare name is looked up on PATH.
	FFmpegPath    string
	SampleRate    int
	FrameInterval time.Duration
	Logger        *slog.Logger
}

// NewFileIngestor creates the videos directory and resolves ffmpeg. A
// configured but missing ffmpeg is logged and extraction is skipped.
func NewFileIngestor(opts IngestorOptions) (*FileIngestor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ingest")

	abs, err := filepath.Abs(opts.VideosDir)
	if err != nil {
		return nil, fmt.Errorf("resolving videos dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating videos dir: %w", err)
	}

	var ffmpeg string
	if opts.FFmpegPath != "" {
		ffmpeg, err = exec.LookPath(opts.FFmpegPath)
		if err != nil {
			logger.Warn("ffmpeg not found, ingesting without audio/frame extraction",
				"ffmpeg_path", opts.FFmpegPath, "error", err)
			ffmpeg = ""
		}
	}

	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultAudioSampleRate
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}

	return &FileIngestor{
		videosDir:     abs,
		ffmpeg:        ffmpeg,
		sampleRate:    opts.SampleRate,
		frameInterval: opts.FrameInterval,
		logger:        logger,
	}, nil
}

// Ingest processes the video at ref and returns the path of its meta.json.
func (i *FileIngestor) Ingest(ctx context.Context, ref string) (string, error) {
	info, err := os.Stat(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, ref)
		}
		return "", fmt.Errorf("inspecting %s: %w", ref, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrSourceMissing, ref)
	}

	id := uuid.New().String()
	baseDir := filepath.Join(i.videosDir, id)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("creating video dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(ref))
	rawPath := filepath.Join(baseDir, "raw"+ext)
	if err := copyFile(ref, rawPath); err != nil {
		return "", fmt.Errorf("copying source video: %w", err)
	}

	meta := Meta{
		VideoID:     id,
		IngestedAt:  time.Now().UTC(),
		SrcFilename: filepath.Base(ref),
		RawPath:     rawPath,
		SizeBytes:   info.Size(),
	}

	if i.ffmpeg != "" {
		audio := filepath.Join(baseDir, "audio.wav")
		if err := i.extractAudio(ctx, rawPath, audio); err != nil {
			return "", err
		}
		meta.AudioPath = audio

		frames := filepath.Join(baseDir, "frames")
		if err := i.extractFrames(ctx, rawPath, frames); err != nil {
			return "", err
		}
		meta.FramesDir = frames
	}

	metaPath := filepath.Join(baseDir, "meta.json")
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding meta: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing meta.json: %w", err)
	}

	i.logger.Info("video ingested",
		"video_id", id,
		"source", ref,
		"meta", metaPath,
		"ffmpeg", i.ffmpeg != "",
	)
	return metaPath, nil
}

// ReadMeta loads a meta.json written by Ingest.
func ReadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &m, nil
}

func (i *FileIngestor) extractAudio(ctx context.Context, src, dst string) error {
	return i.run(ctx, "audio",
		"-y", "-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(i.sampleRate),
		"-ac", "1",
		dst,
	)
}

func (i *FileIngestor) extractFrames(ctx context.Context, src, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating frames dir: %w", err)
	}
	fps := float64(time.Second) / float64(i.frameInterval)
	return i.run(ctx, "frames",
		"-y", "-i", src,
		"-vf", "fps="+strconv.FormatFloat(fps, 'f', -1, 64),
		"-q:v", "2",
		filepath.Join(dir, "frame_%06d.png"),
	)
}

func (i *FileIngestor) run(ctx context.Context, step string, args ...string) error {
	cmd := exec.CommandContext(ctx, i.ffmpeg, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 400 {
			tail = tail[len(tail)-400:]
		}
		return fmt.Errorf("ffmpeg %s extraction: %w: %s", step, err, tail)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
