// Package solvers holds the camera geometry routines: multi-view intrinsic
// calibration and single-view pose estimation for a planar target.
package solvers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"

	"github.com/giri3105/calibration/utils"
)

// View is one image of the planar target: board points (z=0) paired with the
// pixels they were observed at.
type View struct {
	Object []r3.Vector
	Image  []r2.Point
}

// Calibration is the output of a multi-view calibration.
type Calibration struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	// k1, k2, p1, p2, k3
	Distortion []float64
	// root mean square reprojection error over every point, in pixels
	RMS          float64
	ViewErrors   []float64
	Rotations    []r3.Vector
	Translations []r3.Vector
	Iterations   int
	Converged    bool
}

// PoseSolution is the output of a single-view pose solve.
type PoseSolution struct {
	Success     bool
	Rotation    r3.Vector
	Translation r3.Vector
	RMS         float64
}

const (
	numIntrinsicParams = 4 + NumDistortionCoefficients
	numPoseParams      = 6
)

// PlanarSolver calibrates a pinhole camera with Brown-Conrady distortion from
// views of a planar target and solves the target pose in single views.
type PlanarSolver struct {
	logger   logging.Logger
	settings LMSettings
}

// NewPlanarSolver returns a solver using DefaultLMSettings.
func NewPlanarSolver(logger logging.Logger) *PlanarSolver {
	return &PlanarSolver{logger: logger, settings: DefaultLMSettings}
}

// WithSettings returns a copy of the solver using the given LM settings.
func (s *PlanarSolver) WithSettings(settings LMSettings) *PlanarSolver {
	return &PlanarSolver{logger: s.logger, settings: settings}
}

type calibrationResiduals struct {
	views []View
	count int
}

func newCalibrationResiduals(views []View) *calibrationResiduals {
	count := 0
	for _, v := range views {
		count += 2 * len(v.Object)
	}
	return &calibrationResiduals{views: views, count: count}
}

func (rf *calibrationResiduals) NumResiduals() int {
	return rf.count
}

// params: fx, fy, cx, cy, k1, k2, p1, p2, k3, then rvec and tvec per view
func (rf *calibrationResiduals) Residuals(dst, params []float64) {
	k, bc := unpackIntrinsics(params)
	offset := 0
	for i, v := range rf.views {
		rvec, tvec := unpackPose(params[numIntrinsicParams+numPoseParams*i:])
		projected := ProjectPoints(v.Object, rvec, tvec, k, bc)
		for j, p := range projected {
			dst[offset] = p.X - v.Image[j].X
			dst[offset+1] = p.Y - v.Image[j].Y
			offset += 2
		}
	}
}

// Func returns the sum of squared residuals.
func (rf *calibrationResiduals) Func(params []float64) float64 {
	residuals := make([]float64, rf.count)
	rf.Residuals(residuals, params)
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return sum
}

func unpackIntrinsics(params []float64) (*transform.PinholeCameraIntrinsics, *transform.BrownConrady) {
	k := &transform.PinholeCameraIntrinsics{Fx: params[0], Fy: params[1], Ppx: params[2], Ppy: params[3]}
	bc := &transform.BrownConrady{
		RadialK1:     params[4],
		RadialK2:     params[5],
		TangentialP1: params[6],
		TangentialP2: params[7],
		RadialK3:     params[8],
	}
	return k, bc
}

func unpackPose(params []float64) (r3.Vector, r3.Vector) {
	return r3.Vector{X: params[0], Y: params[1], Z: params[2]},
		r3.Vector{X: params[3], Y: params[4], Z: params[5]}
}

func packPose(dst []float64, rvec, tvec r3.Vector) {
	dst[0], dst[1], dst[2] = rvec.X, rvec.Y, rvec.Z
	dst[3], dst[4], dst[5] = tvec.X, tvec.Y, tvec.Z
}

func validateView(i int, v View) error {
	if len(v.Object) != len(v.Image) {
		return fmt.Errorf("view %d has %d board points but %d image points", i, len(v.Object), len(v.Image))
	}
	if len(v.Object) < utils.MinHomographyPoints {
		return fmt.Errorf("view %d has %d points, need at least %d", i, len(v.Object), utils.MinHomographyPoints)
	}
	for _, p := range v.Object {
		if math.Abs(p.Z) > 1e-9 {
			return fmt.Errorf("view %d has a non planar board point %v", i, p)
		}
	}
	return nil
}

func boardPlanePoints(v View) []r2.Point {
	out := make([]r2.Point, len(v.Object))
	for i, p := range v.Object {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

// CalibrateCamera estimates intrinsics, distortion and per-view extrinsics
// from scratch. The principal point starts at the image centre and the focal
// lengths come from the vanishing point constraints of each view's
// homography; everything is then refined jointly.
func (s *PlanarSolver) CalibrateCamera(ctx context.Context, views []View, size image.Point) (Calibration, error) {
	if size.X <= 0 || size.Y <= 0 {
		return Calibration{}, fmt.Errorf("invalid image size %v", size)
	}
	if len(views) == 0 {
		return Calibration{}, errors.New("no views to calibrate from")
	}
	for i, v := range views {
		if err := validateView(i, v); err != nil {
			return Calibration{}, err
		}
	}

	homographies := make([]*mat.Dense, len(views))
	for i, v := range views {
		h, err := utils.EstimateHomography(boardPlanePoints(v), v.Image)
		if err != nil {
			return Calibration{}, fmt.Errorf("view %d homography: %w", i, err)
		}
		homographies[i] = h
	}

	k, err := initIntrinsics(homographies, size)
	if err != nil {
		return Calibration{}, err
	}
	s.logger.Debugf("initial intrinsics fx=%.2f fy=%.2f cx=%.2f cy=%.2f", k.Fx, k.Fy, k.Ppx, k.Ppy)

	x0 := make([]float64, numIntrinsicParams+numPoseParams*len(views))
	x0[0], x0[1], x0[2], x0[3] = k.Fx, k.Fy, k.Ppx, k.Ppy
	for i, h := range homographies {
		rvec, tvec, err := extrinsicsFromHomography(h, k)
		if err != nil {
			return Calibration{}, fmt.Errorf("view %d extrinsics: %w", i, err)
		}
		packPose(x0[numIntrinsicParams+numPoseParams*i:], rvec, tvec)
	}

	rf := newCalibrationResiduals(views)
	if rf.NumResiduals() < len(x0) {
		return Calibration{}, fmt.Errorf("%d residuals cannot determine %d parameters", rf.NumResiduals(), len(x0))
	}
	res, err := LevenbergMarquardt(ctx, rf, x0, s.settings)
	if err != nil {
		return Calibration{}, fmt.Errorf("refinement failed: %w", err)
	}

	refinedK, bc := unpackIntrinsics(res.X)
	refinedK.Width, refinedK.Height = size.X, size.Y
	if !isFinite(refinedK.Fx) || !isFinite(refinedK.Fy) || refinedK.Fx <= 0 || refinedK.Fy <= 0 {
		return Calibration{}, fmt.Errorf("refinement produced invalid focal lengths fx=%v fy=%v", refinedK.Fx, refinedK.Fy)
	}

	out := Calibration{
		Intrinsics: refinedK,
		Distortion: DistortionVector(bc),
		Iterations: res.Iterations,
		Converged:  res.Converged,
	}
	numPoints := 0
	for i, v := range views {
		rvec, tvec := unpackPose(res.X[numIntrinsicParams+numPoseParams*i:])
		out.Rotations = append(out.Rotations, rvec)
		out.Translations = append(out.Translations, tvec)
		out.ViewErrors = append(out.ViewErrors, ReprojectionError(v, rvec, tvec, refinedK, bc))
		numPoints += len(v.Object)
	}
	out.RMS = math.Sqrt(res.Cost / float64(numPoints))
	s.logger.Debugf("calibration refined in %d iterations (converged=%v), rms=%.4f px", res.Iterations, res.Converged, out.RMS)
	return out, nil
}

// initIntrinsics fixes the principal point at the image centre and solves the
// two focal lengths from the orthogonality and equal-norm constraints on the
// first two homography columns.
func initIntrinsics(homographies []*mat.Dense, size image.Point) (*transform.PinholeCameraIntrinsics, error) {
	cx := float64(size.X-1) * 0.5
	cy := float64(size.Y-1) * 0.5

	a := mat.NewDense(2*len(homographies), 2, nil)
	b := mat.NewVecDense(2*len(homographies), nil)
	for i, h := range homographies {
		var hc, vc, d1, d2 [3]float64
		var n [4]float64
		for j := 0; j < 3; j++ {
			hc[j] = h.At(j, 0)
			vc[j] = h.At(j, 1)
		}
		hc[0] -= cx * hc[2]
		hc[1] -= cy * hc[2]
		vc[0] -= cx * vc[2]
		vc[1] -= cy * vc[2]
		for j := 0; j < 3; j++ {
			d1[j] = (hc[j] + vc[j]) * 0.5
			d2[j] = (hc[j] - vc[j]) * 0.5
			n[0] += hc[j] * hc[j]
			n[1] += vc[j] * vc[j]
			n[2] += d1[j] * d1[j]
			n[3] += d2[j] * d2[j]
		}
		for j := range n {
			if n[j] == 0 {
				return nil, fmt.Errorf("homography %d is degenerate", i)
			}
			n[j] = 1 / math.Sqrt(n[j])
		}
		for j := 0; j < 3; j++ {
			hc[j] *= n[0]
			vc[j] *= n[1]
			d1[j] *= n[2]
			d2[j] *= n[3]
		}
		a.SetRow(2*i, []float64{hc[0] * vc[0], hc[1] * vc[1]})
		b.SetVec(2*i, -hc[2]*vc[2])
		a.SetRow(2*i+1, []float64{d1[0] * d2[0], d1[1] * d2[1]})
		b.SetVec(2*i+1, -d1[2]*d2[2])
	}

	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("focal length initialisation failed: %w", err)
	}
	f0, f1 := f.AtVec(0), f.AtVec(1)
	if f0 == 0 || f1 == 0 || !isFinite(f0) || !isFinite(f1) {
		return nil, errors.New("focal length initialisation is degenerate (views may be fronto-parallel)")
	}
	return &transform.PinholeCameraIntrinsics{
		Width:  size.X,
		Height: size.Y,
		Fx:     math.Sqrt(math.Abs(1 / f0)),
		Fy:     math.Sqrt(math.Abs(1 / f1)),
		Ppx:    cx,
		Ppy:    cy,
	}, nil
}

// extrinsicsFromHomography decomposes H = K [r1 r2 t] and projects the
// rotation onto SO(3).
func extrinsicsFromHomography(h *mat.Dense, k *transform.PinholeCameraIntrinsics) (r3.Vector, r3.Vector, error) {
	var kinv mat.Dense
	if err := kinv.Inverse(k.GetCameraMatrix()); err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	var m mat.Dense
	m.Mul(&kinv, h)

	m1 := r3.Vector{X: m.At(0, 0), Y: m.At(1, 0), Z: m.At(2, 0)}
	m2 := r3.Vector{X: m.At(0, 1), Y: m.At(1, 1), Z: m.At(2, 1)}
	m3 := r3.Vector{X: m.At(0, 2), Y: m.At(1, 2), Z: m.At(2, 2)}
	norms := m1.Norm() + m2.Norm()
	if norms < 1e-15 {
		return r3.Vector{}, r3.Vector{}, errors.New("homography has a null rotation part")
	}
	lambda := 2 / norms
	r1 := m1.Mul(lambda)
	r2c := m2.Mul(lambda)
	t := m3.Mul(lambda)
	if t.Z < 0 {
		r1, r2c, t = r1.Mul(-1), r2c.Mul(-1), t.Mul(-1)
	}
	r3c := r1.Cross(r2c)

	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2c.X, r3c.X,
		r1.Y, r2c.Y, r3c.Y,
		r1.Z, r2c.Z, r3c.Z,
	})
	var svd mat.SVD
	if ok := svd.Factorize(rot, mat.SVDFull); !ok {
		return r3.Vector{}, r3.Vector{}, errors.New("rotation SVD failed to factorize")
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		u.Set(0, 2, -u.At(0, 2))
		u.Set(1, 2, -u.At(1, 2))
		u.Set(2, 2, -u.At(2, 2))
		r.Mul(&u, v.T())
	}

	var rows [9]float64
	for i := 0; i < 9; i++ {
		rows[i] = r.At(i/3, i%3)
	}
	rvec, err := utils.RotationMatrixToVector(rows)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, err
	}
	return rvec, t, nil
}
