package media

import (
	"testing"

	"streamforge/internal/models"
)

func TestPlanLadderLandscape(t *testing.T) {
	rungs := PlanLadder(models.SourceMetadata{Width: 1920, Height: 1080})
	if len(rungs) != 4 {
		t.Fatalf("expected 4 rungs, got %d", len(rungs))
	}
	expected := []Rung{
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2500},
		{Name: "480p", Width: 854, Height: 480, Bitrate: 1000},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 500},
	}
	for i, want := range expected {
		if rungs[i] != want {
			t.Fatalf("rung %d: got %+v, want %+v", i, rungs[i], want)
		}
	}
}

func TestPlanLadderPortraitRecomputesWidths(t *testing.T) {
	rungs := PlanLadder(models.SourceMetadata{Width: 720, Height: 1280})
	// Every rung narrows to round(height*9/16), floored to even.
	expected := []Rung{
		{Name: "1080p", Width: 608, Height: 1080, Bitrate: 5000},
		{Name: "720p", Width: 404, Height: 720, Bitrate: 2500},
		{Name: "480p", Width: 270, Height: 480, Bitrate: 1000},
		{Name: "360p", Width: 202, Height: 360, Bitrate: 500},
	}
	for i, want := range expected {
		if rungs[i] != want {
			t.Fatalf("rung %d: got %+v, want %+v", i, rungs[i], want)
		}
	}
}

func TestPlanLadderSquareStaysLandscape(t *testing.T) {
	rungs := PlanLadder(models.SourceMetadata{Width: 1080, Height: 1080})
	if rungs[0].Width != 1920 {
		t.Fatalf("square source must keep landscape widths, got %d", rungs[0].Width)
	}
}

func TestPlanLadderReturnsFreshCopies(t *testing.T) {
	first := PlanLadder(models.SourceMetadata{Width: 720, Height: 1280})
	first[0].Width = 1

	second := PlanLadder(models.SourceMetadata{Width: 1920, Height: 1080})
	if second[0].Width != 1920 {
		t.Fatalf("ladder plans must not share backing storage, got %d", second[0].Width)
	}
}
