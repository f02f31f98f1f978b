// Package overlay estimates the board pose in single frames and projects
// reference geometry defined on the board into the image.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/detection"
	"github.com/giri3105/calibration/solvers"
	"github.com/giri3105/calibration/utils"
)

// PoseEstimate is the pose of the board frame relative to the camera frame.
type PoseEstimate struct {
	Success bool
	// rotation vector, radians
	Rotation    r3.Vector
	Translation r3.Vector
	Pose        spatialmath.Pose
	RMS         float64
}

// Output is the result of processing one frame. Projected and Axes are only
// set when the pose was found.
type Output struct {
	Pose      PoseEstimate
	Projected []r2.Point
	// origin, x, y and z axis tips
	Axes      []r2.Point
	Detection detection.Result
}

// Engine solves the board pose frame by frame. It keeps no state between
// frames.
type Engine struct {
	board       *board.Model
	detector    charuco.Detector
	solver      charuco.Solver
	calibration *charuco.Result
	minCorners  int
	axisLength  float64
	logger      logging.Logger
}

func NewEngine(
	b *board.Model,
	detector charuco.Detector,
	solver charuco.Solver,
	calibration *charuco.Result,
	minCorners int,
	logger logging.Logger,
) (*Engine, error) {
	if b == nil || detector == nil || solver == nil {
		return nil, errors.New("pose engine needs a board, a detector and a solver")
	}
	if calibration == nil || calibration.Intrinsics == nil {
		return nil, errors.New("pose engine needs a calibration")
	}
	if k := calibration.Intrinsics; k.Fx <= 0 || k.Fy <= 0 {
		return nil, fmt.Errorf("pose engine needs positive focal lengths, got fx=%v fy=%v", k.Fx, k.Fy)
	}
	if minCorners < 0 {
		minCorners = charuco.DefaultMinCorners
	}
	return &Engine{
		board:       b,
		detector:    detector,
		solver:      solver,
		calibration: calibration,
		minCorners:  minCorners,
		axisLength:  b.SquareLength(),
		logger:      logger,
	}, nil
}

func (e *Engine) Calibration() *charuco.Result {
	return e.calibration
}

// Process detects the board in img and, when more than minCorners corners are
// found, solves its pose and projects reference through it. Too few corners
// or a failed solve give Success=false and no error.
func (e *Engine) Process(ctx context.Context, img image.Image, reference []r3.Vector) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if err := e.calibration.CheckResolution(img.Bounds().Size()); err != nil {
		return Output{}, err
	}

	res, err := e.detector.DetectBoard(charuco.ToGray(img))
	if err != nil {
		return Output{}, err
	}
	out := Output{Detection: res}
	if res.Count() <= e.minCorners {
		e.logger.Debugf("skipping pose: %d corners", res.Count())
		return out, nil
	}

	object, pixels, err := e.board.Correspondences(res.CornerIDs, res.Corners)
	if err != nil {
		return Output{}, err
	}
	sol, err := e.solver.SolvePose(solvers.View{Object: object, Image: pixels}, e.calibration.Intrinsics, e.calibration.Distortion)
	if err != nil {
		e.logger.Debugf("pose solve failed: %v", err)
		return out, nil
	}
	if !sol.Success {
		return out, nil
	}

	out.Pose = PoseEstimate{
		Success:     true,
		Rotation:    sol.Rotation,
		Translation: sol.Translation,
		Pose:        utils.PoseFromRotationVector(sol.Rotation, sol.Translation),
		RMS:         sol.RMS,
	}
	if out.Projected, err = e.Project(out.Pose, reference); err != nil {
		return Output{}, err
	}
	if out.Axes, err = e.Project(out.Pose, Axes(e.axisLength)); err != nil {
		return Output{}, err
	}
	return out, nil
}

// Project maps board points into pixels using a solved pose.
func (e *Engine) Project(pose PoseEstimate, points []r3.Vector) ([]r2.Point, error) {
	return solvers.ProjectWithPose(points, solvers.PoseSolution{
		Success:     pose.Success,
		Rotation:    pose.Rotation,
		Translation: pose.Translation,
	}, e.calibration.Intrinsics, e.calibration.Distortion)
}

// Circle returns n points on a circle in the board plane. Angles are
// 2*pi*i/(n-1), so the first and last points coincide and the polyline
// closes on itself.
func Circle(radius float64, center r2.Point, n int) []r3.Vector {
	if n <= 0 {
		return []r3.Vector{}
	}
	out := make([]r3.Vector, n)
	for i := range out {
		theta := 0.0
		if n > 1 {
			theta = 2 * math.Pi * float64(i) / float64(n-1)
		}
		out[i] = r3.Vector{
			X: center.X + radius*math.Cos(theta),
			Y: center.Y + radius*math.Sin(theta),
		}
	}
	return out
}

// Axes returns the board origin followed by the tips of its x, y and z axes.
func Axes(length float64) []r3.Vector {
	return []r3.Vector{
		{},
		{X: length},
		{Y: length},
		{Z: length},
	}
}
