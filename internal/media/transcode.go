package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Engine produces the per-rung streams, the thumbnail, and the fallback
// encode from a local source file.
type Engine interface {
	TranscodeRung(ctx context.Context, sourcePath, rungDir string, rung Rung) error
	ExtractThumbnail(ctx context.Context, sourcePath, outPath string) error
	EncodeFallback(ctx context.Context, sourcePath, outPath string) error
}

// FFmpegEngine shells out to ffmpeg once per produced artifact.
type FFmpegEngine struct {
	// Binary overrides the ffmpeg executable, mainly for tests.
	Binary string
	Logger *slog.Logger
}

const (
	segmentSeconds  = 4
	segmentPattern  = "segment_%05d.ts"
	thumbnailOffset = "1"
)

func (e FFmpegEngine) binary() string {
	if strings.TrimSpace(e.Binary) != "" {
		return e.Binary
	}
	return "ffmpeg"
}

func (e FFmpegEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// TranscodeRung encodes one ladder rung into rungDir as a segmented HLS
// stream with its own playlist.
func (e FFmpegEngine) TranscodeRung(ctx context.Context, sourcePath, rungDir string, rung Rung) error {
	if err := os.MkdirAll(rungDir, 0o755); err != nil {
		return fmt.Errorf("create rung dir %s: %w", rungDir, err)
	}
	args := []string{
		"-y",
		"-i", sourcePath,
		"-vf", fmt.Sprintf("scale=%d:%d", rung.Width, rung.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", rung.Bitrate),
		"-maxrate", fmt.Sprintf("%dk", rung.Bitrate),
		"-bufsize", fmt.Sprintf("%dk", rung.Bitrate*2),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(rungDir, segmentPattern)),
		filepath.ToSlash(filepath.Join(rungDir, rungManifestName)),
	}
	return e.run(ctx, "rung "+rung.Name, args)
}

// ExtractThumbnail grabs one frame near the start of the source.
func (e FFmpegEngine) ExtractThumbnail(ctx context.Context, sourcePath, outPath string) error {
	args := []string{
		"-y",
		"-ss", thumbnailOffset,
		"-i", sourcePath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	}
	return e.run(ctx, "thumbnail", args)
}

// EncodeFallback produces the single-file progressive-download encode.
func (e FFmpegEngine) EncodeFallback(ctx context.Context, sourcePath, outPath string) error {
	args := []string{
		"-y",
		"-i", sourcePath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		outPath,
	}
	return e.run(ctx, "fallback", args)
}

func (e FFmpegEngine) run(ctx context.Context, label string, args []string) error {
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	writer := newLogWriter(e.logger(), label)
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w", label, err)
	}
	return nil
}

// logWriter splits process output into lines and forwards them to slog so
// ffmpeg chatter stays greppable per job.
type logWriter struct {
	logger *slog.Logger
	label  string
}

func newLogWriter(logger *slog.Logger, label string) *logWriter {
	return &logWriter{logger: logger, label: label}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "label", w.label, "line", string(line))
	}
	return total, nil
}
