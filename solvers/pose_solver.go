package solvers

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/optimize"

	"github.com/giri3105/calibration/utils"
)

// poseResiduals is the reprojection error of one view for a fixed camera.
type poseResiduals struct {
	view View
	k    *transform.PinholeCameraIntrinsics
	bc   *transform.BrownConrady
}

func (rf *poseResiduals) NumResiduals() int {
	return 2 * len(rf.view.Object)
}

// params: rx, ry, rz, tx, ty, tz
func (rf *poseResiduals) Residuals(dst, params []float64) {
	rvec, tvec := unpackPose(params)
	for i, p := range ProjectPoints(rf.view.Object, rvec, tvec, rf.k, rf.bc) {
		dst[2*i] = p.X - rf.view.Image[i].X
		dst[2*i+1] = p.Y - rf.view.Image[i].Y
	}
}

// Func returns the sum of squared residuals, for use with gonum/optimize.
func (rf *poseResiduals) Func(params []float64) float64 {
	residuals := make([]float64, rf.NumResiduals())
	rf.Residuals(residuals, params)
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return sum
}

// SolvePose recovers the board-to-camera rotation and translation of one view.
// Invalid inputs are errors; a pose that cannot be recovered from valid input
// is reported through PoseSolution.Success.
func (s *PlanarSolver) SolvePose(view View, k *transform.PinholeCameraIntrinsics, dist []float64) (PoseSolution, error) {
	if k == nil || k.Fx <= 0 || k.Fy <= 0 {
		return PoseSolution{}, errors.New("pose solve needs positive focal lengths")
	}
	if err := validateView(0, view); err != nil {
		return PoseSolution{}, err
	}
	bc, err := BrownConrady(dist)
	if err != nil {
		return PoseSolution{}, err
	}

	normalized := make([]r2.Point, len(view.Image))
	for i, p := range view.Image {
		normalized[i] = UndistortPoint(p, k, bc)
	}
	h, err := utils.EstimateHomography(boardPlanePoints(view), normalized)
	if err != nil {
		s.logger.Debugf("pose initialisation failed: %v", err)
		return PoseSolution{}, nil
	}
	identity := &transform.PinholeCameraIntrinsics{Fx: 1, Fy: 1}
	rvec, tvec, err := extrinsicsFromHomography(h, identity)
	if err != nil {
		s.logger.Debugf("pose initialisation failed: %v", err)
		return PoseSolution{}, nil
	}

	rf := &poseResiduals{view: view, k: k, bc: bc}
	x0 := make([]float64, numPoseParams)
	packPose(x0, rvec, tvec)

	x, err := s.refinePose(rf, x0)
	if err != nil {
		s.logger.Debugf("pose refinement failed: %v", err)
		return PoseSolution{}, nil
	}
	rvec, tvec = unpackPose(x)
	if tvec.Z <= 0 {
		return PoseSolution{}, nil
	}
	return PoseSolution{
		Success:     true,
		Rotation:    rvec,
		Translation: tvec,
		RMS:         ReprojectionError(view, rvec, tvec, k, bc),
	}, nil
}

// refinePose runs Levenberg-Marquardt and falls back to a derivative free
// search when the damped normal equations cannot make progress.
func (s *PlanarSolver) refinePose(rf *poseResiduals, x0 []float64) ([]float64, error) {
	res, err := LevenbergMarquardt(context.Background(), rf, x0, s.settings)
	if err == nil {
		return res.X, nil
	}
	s.logger.Debugf("levenberg-marquardt pose refinement failed (%v), falling back to nelder-mead", err)

	problem := optimize.Problem{Func: rf.Func}
	settings := &optimize.Settings{
		FuncEvaluations: 20000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 200,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}
	if !isFinite(result.F) {
		return nil, errNonFiniteCost
	}
	return result.X, nil
}

// ProjectWithPose is a convenience for projecting points with a solved pose.
func ProjectWithPose(points []r3.Vector, pose PoseSolution, k *transform.PinholeCameraIntrinsics, dist []float64) ([]r2.Point, error) {
	bc, err := BrownConrady(dist)
	if err != nil {
		return nil, err
	}
	return ProjectPoints(points, pose.Rotation, pose.Translation, k, bc), nil
}
