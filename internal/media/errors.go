package media

import (
	"errors"
	"fmt"
)

// Stage identifies the pipeline phase an error originated in. It is exposed
// verbatim in API failure payloads.
type Stage string

const (
	StageDownload  Stage = "download"
	StageProbe     Stage = "probe"
	StageTranscode Stage = "transcode"
	StageManifest  Stage = "manifest"
	StagePublish   Stage = "publish"
	StagePersist   Stage = "persist"
)

// StageError wraps a pipeline failure with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// FailingStage extracts the stage from err, or "internal" when the error did
// not come from a pipeline stage.
func FailingStage(err error) string {
	var staged *StageError
	if errors.As(err, &staged) {
		return string(staged.Stage)
	}
	return "internal"
}
