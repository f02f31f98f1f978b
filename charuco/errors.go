package charuco

import (
	"fmt"
	"image"
)

// SourceUnavailableError means a frame source could not be opened or read.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %q unavailable", e.Source)
	}
	return fmt.Sprintf("source %q unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// DetectionEmptyError means a frame did not show enough of the board. It is
// recoverable: the frame is skipped.
type DetectionEmptyError struct {
	Corners    int
	MinCorners int
}

func (e *DetectionEmptyError) Error() string {
	return fmt.Sprintf("detected %d charuco corners, need more than %d", e.Corners, e.MinCorners)
}

// InsufficientObservationsError is returned by the calibration gate before
// the solver is called.
type InsufficientObservationsError struct {
	Required int
	Got      int
}

func (e *InsufficientObservationsError) Error() string {
	return fmt.Sprintf("need at least %d observations to calibrate, have %d", e.Required, e.Got)
}

// SolverFailedError wraps the diagnostic of a failed calibration solve.
type SolverFailedError struct {
	Err error
}

func (e *SolverFailedError) Error() string {
	return fmt.Sprintf("calibration solver failed: %v", e.Err)
}

func (e *SolverFailedError) Unwrap() error {
	return e.Err
}

// CalibrationNotFoundError means the calibration file does not exist.
type CalibrationNotFoundError struct {
	Path string
}

func (e *CalibrationNotFoundError) Error() string {
	return fmt.Sprintf("calibration file %q not found", e.Path)
}

// CalibrationCorruptError means the calibration file exists but cannot be
// used.
type CalibrationCorruptError struct {
	Path   string
	Reason string
}

func (e *CalibrationCorruptError) Error() string {
	return fmt.Sprintf("calibration file %q is corrupt: %s", e.Path, e.Reason)
}

// ResolutionMismatchError means frames do not have the size a calibration
// was computed for.
type ResolutionMismatchError struct {
	Calibrated image.Point
	Got        image.Point
}

func (e *ResolutionMismatchError) Error() string {
	return fmt.Sprintf("frame is %dx%d but calibration is for %dx%d",
		e.Got.X, e.Got.Y, e.Calibrated.X, e.Calibrated.Y)
}
