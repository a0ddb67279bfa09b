package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"streamforge/internal/models"
)

// Prober inspects a downloaded source file.
type Prober interface {
	Probe(ctx context.Context, path string) (models.SourceMetadata, error)
}

// FFProbe shells out to ffprobe for container and stream facts.
type FFProbe struct {
	// Binary overrides the ffprobe executable, mainly for tests.
	Binary string
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (p FFProbe) binary() string {
	if strings.TrimSpace(p.Binary) != "" {
		return p.Binary
	}
	return "ffprobe"
}

func (p FFProbe) Probe(ctx context.Context, path string) (models.SourceMetadata, error) {
	cmd := exec.CommandContext(ctx, p.binary(),
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return models.SourceMetadata{}, fmt.Errorf("ffprobe %s: %w (%s)", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(raw []byte) (models.SourceMetadata, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.SourceMetadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var meta models.SourceMetadata
	if out.Format.Duration != "" {
		duration, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return models.SourceMetadata{}, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
		}
		meta.DurationSeconds = duration
	}
	if out.Format.BitRate != "" {
		if bitrate, err := strconv.Atoi(out.Format.BitRate); err == nil {
			meta.Bitrate = bitrate
		}
	}
	for _, stream := range out.Streams {
		if stream.CodecType != "video" {
			continue
		}
		meta.Width = stream.Width
		meta.Height = stream.Height
		meta.Codec = stream.CodecName
		break
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return models.SourceMetadata{}, fmt.Errorf("source has no usable video stream")
	}
	return meta, nil
}
