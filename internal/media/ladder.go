package media

import (
	"math"

	"streamforge/internal/models"
)

// Rung is one target of the adaptive-bitrate ladder. Bitrate is in kilobits
// per second.
type Rung struct {
	Name    string
	Width   int
	Height  int
	Bitrate int
}

// baseLadder is the fixed landscape ladder, highest quality first.
var baseLadder = []Rung{
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
	{Name: "480p", Width: 854, Height: 480, Bitrate: 1000},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 500},
}

// PlanLadder adapts the base ladder to the probed source geometry. Portrait
// sources keep every rung's height and bitrate but recompute the width for a
// 9:16 frame; the rung count never changes. The encoder rejects odd frame
// sizes, so odd dimensions are floored to even; the frame never widens past
// the target aspect.
func PlanLadder(meta models.SourceMetadata) []Rung {
	rungs := make([]Rung, len(baseLadder))
	copy(rungs, baseLadder)
	if meta.Portrait() {
		for i := range rungs {
			rungs[i].Width = int(math.Round(float64(rungs[i].Height) * 9.0 / 16.0))
		}
	}
	for i := range rungs {
		rungs[i].Width = evenDimension(rungs[i].Width)
		rungs[i].Height = evenDimension(rungs[i].Height)
	}
	return rungs
}

func evenDimension(v int) int {
	return v - v%2
}
