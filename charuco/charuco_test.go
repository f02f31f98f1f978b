package charuco

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/detection"
	"github.com/giri3105/calibration/solvers"
)

func testBoard(t *testing.T) *board.Model {
	t.Helper()
	b, err := board.NewModel(8, 8, 0.1, 0.075, board.Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)
	return b
}

// fakeDetector returns the first n corners of the board at arbitrary pixels.
type fakeDetector struct {
	n     int
	err   error
	calls int
}

func (d *fakeDetector) DetectBoard(gray *image.Gray) (detection.Result, error) {
	d.calls++
	if d.err != nil {
		return detection.Result{}, d.err
	}
	res := detection.Result{}
	for i := 0; i < d.n; i++ {
		res.CornerIDs = append(res.CornerIDs, i)
		res.Corners = append(res.Corners, r2.Point{X: float64(10 * i), Y: float64(5 * i)})
	}
	return res, nil
}

// spySolver records calls and returns a fixed calibration.
type spySolver struct {
	calibrateCalls int
	views          []solvers.View
	size           image.Point
	err            error
	// report an unconverged solve
	stalled bool
}

func (s *spySolver) CalibrateCamera(ctx context.Context, views []solvers.View, size image.Point) (solvers.Calibration, error) {
	s.calibrateCalls++
	s.views = views
	s.size = size
	if s.err != nil {
		return solvers.Calibration{}, s.err
	}
	return solvers.Calibration{
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: size.X, Height: size.Y, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
		Distortion: make([]float64, 5),
		RMS:        0.25,
		ViewErrors: make([]float64, len(views)),
		Iterations: 100,
		Converged:  !s.stalled,
	}, nil
}

func (s *spySolver) SolvePose(view solvers.View, k *transform.PinholeCameraIntrinsics, dist []float64) (solvers.PoseSolution, error) {
	return solvers.PoseSolution{}, nil
}

func blankImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

func TestCollectorThreshold(t *testing.T) {
	b := testBoard(t)
	logger := logging.NewTestLogger(t)

	for n := 0; n <= 8; n++ {
		detector := &fakeDetector{n: n}
		collector := NewCollector(b, detector, DefaultMinCorners, logger)
		obs, err := collector.Collect(blankImage(64, 48))
		test.That(t, detector.calls, test.ShouldEqual, 1)
		if n > 4 {
			test.That(t, err, test.ShouldBeNil)
			test.That(t, len(obs.CornerIDs), test.ShouldEqual, n)
			test.That(t, obs.ImageSize, test.ShouldResemble, image.Point{X: 64, Y: 48})
		} else {
			var empty *DetectionEmptyError
			test.That(t, errors.As(err, &empty), test.ShouldBeTrue)
			test.That(t, empty.Corners, test.ShouldEqual, n)
		}
	}
}

func TestCollectorZeroThreshold(t *testing.T) {
	b := testBoard(t)
	logger := logging.NewTestLogger(t)

	_, err := NewCollector(b, &fakeDetector{n: 1}, 0, logger).Collect(blankImage(8, 8))
	test.That(t, err, test.ShouldBeNil)
	_, err = NewCollector(b, &fakeDetector{n: 0}, 0, logger).Collect(blankImage(8, 8))
	var empty *DetectionEmptyError
	test.That(t, errors.As(err, &empty), test.ShouldBeTrue)
	test.That(t, empty.MinCorners, test.ShouldEqual, 0)

	// negative selects the default
	_, err = NewCollector(b, &fakeDetector{n: 4}, -1, logger).Collect(blankImage(8, 8))
	test.That(t, errors.As(err, &empty), test.ShouldBeTrue)
	test.That(t, empty.MinCorners, test.ShouldEqual, DefaultMinCorners)
}

func TestCollectorDetectorError(t *testing.T) {
	detector := &fakeDetector{err: errors.New("boom")}
	collector := NewCollector(testBoard(t), detector, 0, logging.NewTestLogger(t))
	_, err := collector.Collect(image.NewGray(image.Rect(0, 0, 4, 4)))
	test.That(t, err, test.ShouldBeError, errors.New("boom"))
}

func TestToGray(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 3, 3))
	test.That(t, ToGray(gray), test.ShouldEqual, gray)

	converted := ToGray(blankImage(5, 4))
	test.That(t, converted.Bounds().Size(), test.ShouldResemble, image.Point{X: 5, Y: 4})
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	test.That(t, acc.ImageSize(), test.ShouldResemble, image.Point{})
	_, ok := acc.Pop()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, acc.Add(Observation{CornerIDs: []int{1}, ImageSize: image.Point{X: 640, Y: 480}}), test.ShouldEqual, 1)
	test.That(t, acc.Add(Observation{CornerIDs: []int{2}, ImageSize: image.Point{X: 320, Y: 240}}), test.ShouldEqual, 2)
	test.That(t, acc.ImageSize(), test.ShouldResemble, image.Point{X: 640, Y: 480})

	all := acc.All()
	all[0].CornerIDs = nil
	test.That(t, acc.All()[0].CornerIDs, test.ShouldResemble, []int{1})

	last, ok := acc.Pop()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last.CornerIDs, test.ShouldResemble, []int{2})
	test.That(t, acc.Len(), test.ShouldEqual, 1)

	acc.Clear()
	test.That(t, acc.Len(), test.ShouldEqual, 0)
}

func observations(n int) []Observation {
	out := make([]Observation, n)
	for i := range out {
		out[i] = Observation{
			CornerIDs: []int{0, 1, 2, 3, 4},
			Corners:   []r2.Point{{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 3, Y: 1}, {X: 4, Y: 1}, {X: 5, Y: 1}},
			ImageSize: image.Point{X: 640, Y: 480},
		}
	}
	return out
}

func TestCalibrateGate(t *testing.T) {
	b := testBoard(t)
	logger := logging.NewTestLogger(t)

	for n := 0; n < MinObservations; n++ {
		spy := &spySolver{}
		_, err := Calibrate(context.Background(), observations(n), b, spy, logger)
		var insufficient *InsufficientObservationsError
		test.That(t, errors.As(err, &insufficient), test.ShouldBeTrue)
		test.That(t, insufficient.Required, test.ShouldEqual, 4)
		test.That(t, insufficient.Got, test.ShouldEqual, n)
		test.That(t, spy.calibrateCalls, test.ShouldEqual, 0)
	}

	spy := &spySolver{}
	res, err := Calibrate(context.Background(), observations(4), b, spy, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.calibrateCalls, test.ShouldEqual, 1)
	test.That(t, len(spy.views), test.ShouldEqual, 4)
	test.That(t, spy.size, test.ShouldResemble, image.Point{X: 640, Y: 480})
	test.That(t, res.ReprojectionError, test.ShouldEqual, 0.25)

	// board positions come from the corner ids
	test.That(t, spy.views[0].Object[1], test.ShouldResemble, r3.Vector{X: 0.2, Y: 0.1})
}

func TestCalibrateSolverFailure(t *testing.T) {
	spy := &spySolver{err: errors.New("did not converge")}
	_, err := Calibrate(context.Background(), observations(5), testBoard(t), spy, logging.NewTestLogger(t))
	var failed *SolverFailedError
	test.That(t, errors.As(err, &failed), test.ShouldBeTrue)
	test.That(t, failed.Error(), test.ShouldContainSubstring, "did not converge")
}

func TestCalibrateNotConverged(t *testing.T) {
	spy := &spySolver{stalled: true}
	res, err := Calibrate(context.Background(), observations(5), testBoard(t), spy, logging.NewTestLogger(t))
	test.That(t, res, test.ShouldBeNil)
	test.That(t, spy.calibrateCalls, test.ShouldEqual, 1)
	var failed *SolverFailedError
	test.That(t, errors.As(err, &failed), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrNotConverged), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "100 iterations")
}

func TestCalibrateWithSize(t *testing.T) {
	spy := &spySolver{}
	frame := image.Point{X: 1280, Y: 720}
	res, err := CalibrateWithSize(context.Background(), observations(4), frame, testBoard(t), spy, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.size, test.ShouldResemble, frame)
	test.That(t, res.ImageSize(), test.ShouldResemble, frame)

	// zero size falls back to the first observation
	_, err = CalibrateWithSize(context.Background(), observations(4), image.Point{}, testBoard(t), spy, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.size, test.ShouldResemble, image.Point{X: 640, Y: 480})
}

func TestCalibrateEndToEnd(t *testing.T) {
	b := testBoard(t)
	truth := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 810, Fy: 805, Ppx: 318, Ppy: 242}
	rotations := []r3.Vector{
		{X: 0.35, Y: 0.05, Z: 0},
		{X: -0.05, Y: 0.35, Z: 0.1},
		{X: -0.3, Y: -0.2, Z: -0.05},
		{X: 0.25, Y: -0.3, Z: 0.2},
		{X: 0.1, Y: 0.3, Z: -0.25},
	}
	corners := b.CornerPositions()
	ids := make([]int, len(corners))
	for i := range ids {
		ids[i] = i
	}

	var obs []Observation
	for _, rvec := range rotations {
		// board centre (0.4, 0.4) roughly 2m in front of the camera
		tvec := r3.Vector{X: -0.4, Y: -0.4, Z: 2}
		pixels := solvers.ProjectPoints(corners, rvec, tvec, truth, nil)
		obs = append(obs, Observation{CornerIDs: ids, Corners: pixels, ImageSize: image.Point{X: 640, Y: 480}})
	}

	logger := logging.NewTestLogger(t)
	res, err := Calibrate(context.Background(), obs, b, solvers.NewPlanarSolver(logger), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Intrinsics.Fx, test.ShouldAlmostEqual, truth.Fx, 1)
	test.That(t, res.Intrinsics.Fy, test.ShouldAlmostEqual, truth.Fy, 1)
	test.That(t, res.Intrinsics.Ppx, test.ShouldAlmostEqual, truth.Ppx, 1)
	test.That(t, res.Intrinsics.Ppy, test.ShouldAlmostEqual, truth.Ppy, 1)
	test.That(t, res.ReprojectionError, test.ShouldBeLessThan, 1.0)
	test.That(t, len(res.ViewErrors), test.ShouldEqual, 5)
	test.That(t, res.ImageSize(), test.ShouldResemble, image.Point{X: 640, Y: 480})
}

func sampleResult() *Result {
	return &Result{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 1280, Height: 720,
			Fx: 912.3456789012345, Fy: 910.0000000000001,
			Ppx: 640.1234567890123, Ppy: 359.87654321,
		},
		Distortion:        []float64{-0.1234567890123456, 0.05, -1e-310, math.Copysign(0, -1), 1.0000000000000002},
		ReprojectionError: 0.3141592653589793,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"calibration.yml", "calibration.yaml", "calibration.json"} {
		t.Run(name, func(t *testing.T) {
			want := sampleResult()
			path := filepath.Join(dir, name)
			test.That(t, SaveResult(path, want), test.ShouldBeNil)

			got, err := LoadResult(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, *got.Intrinsics, test.ShouldResemble, *want.Intrinsics)
			test.That(t, got.ReprojectionError, test.ShouldEqual, want.ReprojectionError)
			test.That(t, len(got.Distortion), test.ShouldEqual, len(want.Distortion))
			for i := range want.Distortion {
				test.That(t, math.Float64bits(got.Distortion[i]), test.ShouldEqual, math.Float64bits(want.Distortion[i]))
			}
			if diff := cmp.Diff(want.CameraMatrix().RawMatrix().Data, got.CameraMatrix().RawMatrix().Data); diff != "" {
				t.Errorf("camera matrix mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreOpenCVLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yml")
	test.That(t, SaveResult(path, sampleResult()), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	text := string(data)
	test.That(t, text, test.ShouldStartWith, "%YAML:1.0\n---\n")
	test.That(t, text, test.ShouldContainSubstring, "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n")
	test.That(t, text, test.ShouldContainSubstring, "distortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 5\n")
}

const legacyCalibration = `%YAML:1.0
---
camera_matrix: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 6.4203e+02, 0., 3.1950e+02, 0., 6.4203e+02,
       2.3950e+02, 0., 0., 1. ]
distortion_coefficients: !!opencv-matrix
   rows: 1
   cols: 5
   dt: d
   data: [ 1.2e-01, -2.5e-01, 0., 0., 1.1e-01 ]
`

func TestLoadLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camera_calibration.yml")
	test.That(t, os.WriteFile(path, []byte(legacyCalibration), 0o644), test.ShouldBeNil)

	res, err := LoadResult(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Intrinsics.Fx, test.ShouldEqual, 642.03)
	test.That(t, res.Intrinsics.Ppy, test.ShouldEqual, 239.5)
	test.That(t, res.Distortion, test.ShouldResemble, []float64{0.12, -0.25, 0, 0, 0.11})
	test.That(t, res.ImageSize(), test.ShouldResemble, image.Point{})
	test.That(t, res.CheckResolution(image.Point{X: 1920, Y: 1080}), test.ShouldBeNil)

	_, err = res.Rescale(image.Point{X: 320, Y: 240})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadResult(filepath.Join(dir, "missing.yml"))
	var notFound *CalibrationNotFoundError
	test.That(t, errors.As(err, &notFound), test.ShouldBeTrue)

	corrupt := map[string]string{
		"no_matrix.yml":   "%YAML:1.0\n---\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"two_by_two.yml":  "camera_matrix: !!opencv-matrix\n   rows: 2\n   cols: 2\n   dt: d\n   data: [ 1., 0., 0., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"short_data.yml":  "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 1., 0., 0. ]\n",
		"bad_row.yml":     "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 500., 0., 320., 0., 500., 240., 0., 1., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"zero_focal.yml":  "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 0., 0., 320., 0., 500., 240., 0., 0., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"skew.yml":        "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 800., 2.5, 320., 0., 790., 240., 0., 0., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"lower_left.yml":  "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 800., 0., 320., 0.75, 790., 240., 0., 0., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 1\n   dt: d\n   data: [ 0. ]\n",
		"skew.json":       `{"camera_matrix": {"rows": 3, "cols": 3, "data": [800, 2.5, 320, 0, 790, 240, 0, 0, 1]}, "distortion_coefficients": {"rows": 1, "cols": 1, "data": [0]}}`,
		"no_dist.yml":     "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 500., 0., 320., 0., 500., 240., 0., 0., 1. ]\n",
		"long_dist.yml":   "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ 500., 0., 320., 0., 500., 240., 0., 0., 1. ]\ndistortion_coefficients: !!opencv-matrix\n   rows: 1\n   cols: 8\n   dt: d\n   data: [ 0., 0., 0., 0., 0., 0., 0., 0. ]\n",
		"not_a_number.yml": "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n   data: [ abc, 0., 320., 0., 500., 240., 0., 0., 1. ]\n",
		"garbage.yml":     "[[[",
		"garbage.json":    "{",
		"empty.json":      "{}",
	}
	for name, content := range corrupt {
		path := filepath.Join(dir, name)
		test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)
		_, err := LoadResult(path)
		var bad *CalibrationCorruptError
		if !errors.As(err, &bad) {
			t.Errorf("%s: expected a corrupt calibration error, got %v", name, err)
		}
	}
}

func TestStoreRoundTripExtremeValues(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"extreme.yml", "extreme.json"} {
		want := &Result{
			Intrinsics: &transform.PinholeCameraIntrinsics{
				Width: 640, Height: 480,
				Fx: -812.5, Fy: 5e-324,
				Ppx: -0.0000001, Ppy: math.Copysign(0, -1),
			},
			Distortion:        []float64{-1e-300, 123456789.123456789, -2.5},
			ReprojectionError: 1e-17,
		}
		path := filepath.Join(dir, name)
		test.That(t, SaveResult(path, want), test.ShouldBeNil)
		got, err := LoadResult(path)
		test.That(t, err, test.ShouldBeNil)
		wantK, gotK := want.CameraMatrix().RawMatrix().Data, got.CameraMatrix().RawMatrix().Data
		for i := range wantK {
			test.That(t, math.Float64bits(gotK[i]), test.ShouldEqual, math.Float64bits(wantK[i]))
		}
		for i := range want.Distortion {
			test.That(t, math.Float64bits(got.Distortion[i]), test.ShouldEqual, math.Float64bits(want.Distortion[i]))
		}
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	test.That(t, SaveResult(path, &Result{}), test.ShouldNotBeNil)

	r := sampleResult()
	r.Intrinsics.Fx = math.NaN()
	test.That(t, SaveResult(path, r), test.ShouldNotBeNil)

	test.That(t, SaveResult(filepath.Join(t.TempDir(), "missing", "dir", "c.yml"), sampleResult()), test.ShouldNotBeNil)
}

func TestResolution(t *testing.T) {
	r := sampleResult()
	test.That(t, r.CheckResolution(image.Point{X: 1280, Y: 720}), test.ShouldBeNil)

	err := r.CheckResolution(image.Point{X: 640, Y: 480})
	var mismatch *ResolutionMismatchError
	test.That(t, errors.As(err, &mismatch), test.ShouldBeTrue)
	test.That(t, mismatch.Calibrated, test.ShouldResemble, image.Point{X: 1280, Y: 720})

	half, err := r.Rescale(image.Point{X: 640, Y: 360})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, half.Intrinsics.Fx, test.ShouldAlmostEqual, r.Intrinsics.Fx/2)
	test.That(t, half.Intrinsics.Ppy, test.ShouldAlmostEqual, r.Intrinsics.Ppy/2)
	test.That(t, half.CheckResolution(image.Point{X: 640, Y: 360}), test.ShouldBeNil)

	k := r.CameraMatrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, r.Intrinsics.Fx)
	test.That(t, k.At(1, 2), test.ShouldEqual, r.Intrinsics.Ppy)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.0)
}

func TestUndistort(t *testing.T) {
	r := &Result{
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 60, Fy: 60, Ppx: 32, Ppy: 24},
		Distortion: []float64{-0.1, 0.01, 0, 0, 0},
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	out, err := r.Undistort(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Bounds().Size(), test.ShouldResemble, image.Point{X: 64, Y: 48})

	_, err = r.Undistort(image.NewRGBA(image.Rect(0, 0, 32, 24)))
	var mismatch *ResolutionMismatchError
	test.That(t, errors.As(err, &mismatch), test.ShouldBeTrue)

	// no recorded size: the frame size is used
	legacy := &Result{Intrinsics: &transform.PinholeCameraIntrinsics{Fx: 60, Fy: 60, Ppx: 16, Ppy: 12}}
	out, err = legacy.Undistort(image.NewRGBA(image.Rect(0, 0, 32, 24)))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Bounds().Size(), test.ShouldResemble, image.Point{X: 32, Y: 24})
}
