package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMasterManifestOrdersByBandwidth(t *testing.T) {
	rungs := []Rung{
		{Name: "360p", Width: 640, Height: 360, Bitrate: 500},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
	}
	manifest := BuildMasterManifest(rungs)

	lines := strings.Split(strings.TrimSpace(manifest), "\n")
	want := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		`#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,NAME="1080p"`,
		"1080p/index.m3u8",
		`#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,NAME="720p"`,
		"720p/index.m3u8",
		`#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360,NAME="360p"`,
		"360p/index.m3u8",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(lines), manifest)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Fatalf("line %d: got %q, want %q", i, lines[i], line)
		}
	}
}

func TestBuildMasterManifestDoesNotReorderInput(t *testing.T) {
	rungs := []Rung{
		{Name: "360p", Bitrate: 500},
		{Name: "1080p", Bitrate: 5000},
	}
	BuildMasterManifest(rungs)
	if rungs[0].Name != "360p" {
		t.Fatalf("input slice was reordered: %+v", rungs)
	}
}

func TestWriteMasterManifest(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMasterManifest(dir, []Rung{{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500}})
	if err != nil {
		t.Fatalf("WriteMasterManifest returned error: %v", err)
	}
	if path != filepath.Join(dir, MasterManifestName) {
		t.Fatalf("unexpected manifest path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(data), "720p/index.m3u8") {
		t.Fatalf("manifest missing rung reference:\n%s", data)
	}
}
