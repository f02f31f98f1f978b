package charuco

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/solvers"
	"github.com/giri3105/calibration/utils"
)

// MinObservations is the fewest accepted frames calibration will run on.
const MinObservations = 4

// Solver is the camera geometry backend used for calibration and pose.
type Solver interface {
	CalibrateCamera(ctx context.Context, views []solvers.View, size image.Point) (solvers.Calibration, error)
	SolvePose(view solvers.View, k *transform.PinholeCameraIntrinsics, dist []float64) (solvers.PoseSolution, error)
}

// Result is a camera calibration. Width and Height of Intrinsics are zero
// when the image size is unknown.
type Result struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	// k1, k2, p1, p2, k3
	Distortion        []float64
	ReprojectionError float64

	// Only set by Calibrate; not persisted.
	ViewErrors   []float64
	Summary      utils.ErrorSummary
	Coverage     utils.CoverageReport
	Rotations    []r3.Vector
	Translations []r3.Vector
}

// ImageSize is the resolution the calibration was computed for.
func (r *Result) ImageSize() image.Point {
	return image.Point{X: r.Intrinsics.Width, Y: r.Intrinsics.Height}
}

// CameraMatrix returns K = [[fx 0 cx] [0 fy cy] [0 0 1]].
func (r *Result) CameraMatrix() *mat.Dense {
	k := r.Intrinsics
	return mat.NewDense(3, 3, []float64{
		k.Fx, 0, k.Ppx,
		0, k.Fy, k.Ppy,
		0, 0, 1,
	})
}

// CheckResolution fails when size differs from the calibrated resolution.
// Results without a recorded size accept any frame.
func (r *Result) CheckResolution(size image.Point) error {
	calibrated := r.ImageSize()
	if calibrated.X == 0 && calibrated.Y == 0 {
		return nil
	}
	if calibrated != size {
		return &ResolutionMismatchError{Calibrated: calibrated, Got: size}
	}
	return nil
}

// Rescale returns the calibration for frames resized to size. Distortion is
// expressed in normalized coordinates and does not change.
func (r *Result) Rescale(size image.Point) (*Result, error) {
	calibrated := r.ImageSize()
	if calibrated.X <= 0 || calibrated.Y <= 0 {
		return nil, errors.New("cannot rescale a calibration without an image size")
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid target size %v", size)
	}
	sx := float64(size.X) / float64(calibrated.X)
	sy := float64(size.Y) / float64(calibrated.Y)
	k := r.Intrinsics
	return &Result{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width:  size.X,
			Height: size.Y,
			Fx:     k.Fx * sx,
			Fy:     k.Fy * sy,
			Ppx:    k.Ppx * sx,
			Ppy:    k.Ppy * sy,
		},
		Distortion:        append([]float64(nil), r.Distortion...),
		ReprojectionError: r.ReprojectionError,
	}, nil
}

// Undistort returns img with lens distortion removed, sampled nearest
// neighbour.
func (r *Result) Undistort(img image.Image) (image.Image, error) {
	size := img.Bounds().Size()
	if err := r.CheckResolution(size); err != nil {
		return nil, err
	}
	bc, err := solvers.BrownConrady(r.Distortion)
	if err != nil {
		return nil, err
	}
	k := *r.Intrinsics
	k.Width, k.Height = size.X, size.Y
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: &k, Distortion: bc}
	return model.UndistortImage(rimage.ConvertImage(img))
}

// Views converts observations into board/image correspondences.
func Views(observations []Observation, b *board.Model) ([]solvers.View, error) {
	views := make([]solvers.View, 0, len(observations))
	for i, obs := range observations {
		object, img, err := b.Correspondences(obs.CornerIDs, obs.Corners)
		if err != nil {
			return nil, errors.Wrapf(err, "observation %d", i)
		}
		views = append(views, solvers.View{Object: object, Image: img})
	}
	return views, nil
}

// ErrNotConverged is wrapped by the SolverFailedError returned when the
// solver stopped before converging.
var ErrNotConverged = errors.New("solver did not converge")

// Calibrate runs the solver on the accumulated observations. With fewer than
// MinObservations it returns *InsufficientObservationsError and the solver
// is not called. The image size comes from the first observation.
func Calibrate(ctx context.Context, observations []Observation, b *board.Model, solver Solver, logger logging.Logger) (*Result, error) {
	return CalibrateWithSize(ctx, observations, image.Point{}, b, solver, logger)
}

// CalibrateWithSize is Calibrate for observations taken from a stream of
// the given resolution, usually the size of its first frame. A zero size
// falls back to the first observation's.
func CalibrateWithSize(
	ctx context.Context,
	observations []Observation,
	size image.Point,
	b *board.Model,
	solver Solver,
	logger logging.Logger,
) (*Result, error) {
	if len(observations) < MinObservations {
		return nil, &InsufficientObservationsError{Required: MinObservations, Got: len(observations)}
	}
	views, err := Views(observations, b)
	if err != nil {
		return nil, err
	}
	if size == (image.Point{}) {
		size = observations[0].ImageSize
	}

	var all []r2.Point
	for _, v := range views {
		all = append(all, v.Image...)
	}
	coverage := utils.ValidateCoverage(all, size, MinObservations*DefaultMinCorners, logger)

	logger.Infof("calibrating from %d observations (%d corners) at %dx%d", len(views), len(all), size.X, size.Y)
	cal, err := solver.CalibrateCamera(ctx, views, size)
	if err != nil {
		return nil, &SolverFailedError{Err: err}
	}
	if !cal.Converged {
		return nil, &SolverFailedError{
			Err: errors.Wrapf(ErrNotConverged, "stopped after %d iterations at rms %.4f px", cal.Iterations, cal.RMS),
		}
	}
	logger.Infof("calibration finished: rms reprojection error %.4f px", cal.RMS)

	return &Result{
		Intrinsics:        cal.Intrinsics,
		Distortion:        cal.Distortion,
		ReprojectionError: cal.RMS,
		ViewErrors:        cal.ViewErrors,
		Summary:           utils.SummarizeErrors(cal.ViewErrors),
		Coverage:          coverage,
		Rotations:         cal.Rotations,
		Translations:      cal.Translations,
	}, nil
}
