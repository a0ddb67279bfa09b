package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MasterManifestName is the file the master playlist is written as.
const MasterManifestName = "master.m3u8"

// rungManifestName is the per-rung playlist inside each rung directory.
const rungManifestName = "index.m3u8"

// BuildMasterManifest renders the HLS master playlist referencing every rung
// by its relative sub-manifest path, ordered by descending bandwidth.
func BuildMasterManifest(rungs []Rung) string {
	ordered := make([]Rung, len(rungs))
	copy(ordered, rungs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bitrate > ordered[j].Bitrate
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, rung := range ordered {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,NAME=\"%s\"\n",
			rung.Bitrate*1000, rung.Width, rung.Height, rung.Name)
		fmt.Fprintf(&b, "%s/%s\n", rung.Name, rungManifestName)
	}
	return b.String()
}

// WriteMasterManifest writes the master playlist into dir.
func WriteMasterManifest(dir string, rungs []Rung) (string, error) {
	path := filepath.Join(dir, MasterManifestName)
	if err := os.WriteFile(path, []byte(BuildMasterManifest(rungs)), 0o644); err != nil {
		return "", fmt.Errorf("write master manifest: %w", err)
	}
	return path, nil
}
