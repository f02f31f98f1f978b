package calibration

import (
	"context"
	"errors"
	"image"
	"io"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/detection"
	"github.com/giri3105/calibration/overlay"
	"github.com/giri3105/calibration/sampler"
	"github.com/giri3105/calibration/solvers"
)

// taggedSource serves gray frames whose first pixel is the frame index.
type taggedSource struct {
	frames []image.Image
	pos    int
	closed bool
}

func newTaggedSource(n int, size image.Point) *taggedSource {
	s := &taggedSource{}
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rectangle{Max: size})
		img.Pix[0] = uint8(i)
		s.frames = append(s.frames, img)
	}
	return s
}

func (s *taggedSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	img := s.frames[s.pos]
	s.pos++
	return img, nil
}

func (s *taggedSource) PositionSec() float64 { return float64(s.pos) / 30 }
func (s *taggedSource) SeekSec(sec float64) error {
	s.pos = int(sec * 30)
	return nil
}
func (s *taggedSource) FPS() float64 { return 30 }
func (s *taggedSource) Size() image.Point {
	return s.frames[0].Bounds().Size()
}

func (s *taggedSource) Close() error {
	s.closed = true
	return nil
}

// countDetector reports counts[tag] corners for the frame tagged tag.
type countDetector struct {
	counts []int
}

func (d *countDetector) DetectBoard(gray *image.Gray) (detection.Result, error) {
	n := d.counts[gray.Pix[0]]
	res := detection.Result{}
	for i := 0; i < n; i++ {
		res.CornerIDs = append(res.CornerIDs, i)
		res.Corners = append(res.Corners, r2.Point{X: float64(20 + 10*i), Y: float64(30 + 7*i)})
	}
	return res, nil
}

type fixedSolver struct {
	calls int
	views []solvers.View
}

func (s *fixedSolver) CalibrateCamera(ctx context.Context, views []solvers.View, size image.Point) (solvers.Calibration, error) {
	s.calls++
	s.views = views
	return solvers.Calibration{
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: size.X, Height: size.Y, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
		Distortion: make([]float64, 5),
		RMS:        0.3,
		ViewErrors: make([]float64, len(views)),
		Iterations: 7,
		Converged:  true,
	}, nil
}

func (s *fixedSolver) SolvePose(view solvers.View, k *transform.PinholeCameraIntrinsics, dist []float64) (solvers.PoseSolution, error) {
	return solvers.PoseSolution{}, nil
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	_, _, err := cfg.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, DefaultConfig())

	b, err := cfg.BoardModel()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Dictionary(), test.ShouldEqual, board.Dict5X5_1000)

	w := cfg.Window()
	test.That(t, w.Stride, test.ShouldEqual, 20)
	test.That(t, w.Prefix, test.ShouldEqual, "frame")
	test.That(t, w.EndSec, test.ShouldBeNil)
}

func TestConfigRejects(t *testing.T) {
	for name, cfg := range map[string]Config{
		"stride":      {Stride: -1},
		"dictionary":  {Dictionary: "DICT_9X9_1"},
		"marker":      {SquareLength: 0.05, MarkerLength: 0.06},
		"min corners": {MinCornerCount: intPtr(-2)},
		"negative":    {StartSec: -1},
		"board":       {SquaresX: 1, SquaresY: 5},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := cfg.Validate("")
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestRunCalibration(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	cfg.Stride = 1
	src := newTaggedSource(6, image.Point{X: 640, Y: 480})
	solver := &fixedSolver{}

	res, stats, err := RunCalibration(context.Background(), cfg, src, &countDetector{counts: []int{5, 2, 6, 7, 8, 0}}, solver, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats, test.ShouldResemble, CollectStats{Frames: 6, Accepted: 4, Rejected: 2, ImageSize: image.Point{X: 640, Y: 480}})
	test.That(t, solver.calls, test.ShouldEqual, 1)
	test.That(t, len(solver.views), test.ShouldEqual, 4)
	test.That(t, len(solver.views[0].Object), test.ShouldEqual, 5)
	test.That(t, res.ReprojectionError, test.ShouldEqual, 0.3)
	test.That(t, res.ImageSize(), test.ShouldResemble, image.Point{X: 640, Y: 480})
}

func TestRunCalibrationSizeFromFirstFrame(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	cfg.Stride = 1
	src := newTaggedSource(5, image.Point{X: 320, Y: 240})
	// the rejected first frame is larger than the rest
	first := image.NewGray(image.Rect(0, 0, 640, 480))
	src.frames[0] = first
	solver := &fixedSolver{}

	res, stats, err := RunCalibration(context.Background(), cfg, src, &countDetector{counts: []int{0, 5, 6, 7, 8}}, solver, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Accepted, test.ShouldEqual, 4)
	test.That(t, stats.ImageSize, test.ShouldResemble, image.Point{X: 640, Y: 480})
	test.That(t, res.ImageSize(), test.ShouldResemble, image.Point{X: 640, Y: 480})
}

func TestConfigZeroMinCorners(t *testing.T) {
	cfg := Config{MinCornerCount: intPtr(0)}
	_, _, err := cfg.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.MinCorners(), test.ShouldEqual, 0)

	logger := logging.NewTestLogger(t)
	cfg.Stride = 1
	_, stats, err := RunCalibration(context.Background(), cfg, newTaggedSource(4, image.Point{X: 64, Y: 48}),
		&countDetector{counts: []int{1, 1, 0, 2}}, &fixedSolver{}, logger)
	var insufficient *charuco.InsufficientObservationsError
	test.That(t, errors.As(err, &insufficient), test.ShouldBeTrue)
	test.That(t, stats.Accepted, test.ShouldEqual, 3)
}

func TestRunCalibrationTooFewFrames(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	cfg.Stride = 2
	solver := &fixedSolver{}

	// frames 0, 2 and 4 are sampled
	_, stats, err := RunCalibration(context.Background(), cfg, newTaggedSource(6, image.Point{X: 64, Y: 48}),
		&countDetector{counts: []int{5, 2, 6, 7, 8, 0}}, solver, logger)
	var insufficient *charuco.InsufficientObservationsError
	test.That(t, errors.As(err, &insufficient), test.ShouldBeTrue)
	test.That(t, insufficient.Got, test.ShouldEqual, 3)
	test.That(t, stats.Frames, test.ShouldEqual, 3)
	test.That(t, solver.calls, test.ShouldEqual, 0)
}

type recordingWriter struct {
	frames []image.Image
}

func (w *recordingWriter) Write(img image.Image) error {
	w.frames = append(w.frames, img)
	return nil
}

type quittingDisplay struct {
	shown  int
	quitAt int
}

func (d *quittingDisplay) Show(img image.Image) (bool, error) {
	d.shown++
	return d.shown == d.quitAt, nil
}

func newLoopEngine(t *testing.T, size image.Point, counts []int) *overlay.Engine {
	t.Helper()
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	b, err := cfg.BoardModel()
	test.That(t, err, test.ShouldBeNil)
	calib := &charuco.Result{
		Intrinsics: &transform.PinholeCameraIntrinsics{Width: size.X, Height: size.Y, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240},
		Distortion: make([]float64, 5),
	}
	engine, err := overlay.NewEngine(b, &countDetector{counts: counts}, &fixedSolver{}, calib, cfg.MinCorners(), logger)
	test.That(t, err, test.ShouldBeNil)
	return engine
}

func TestRunPoseLoop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	size := image.Point{X: 640, Y: 480}
	engine := newLoopEngine(t, size, []int{0, 1, 2, 3, 4})

	writer := &recordingWriter{}
	var seen []int
	stats, err := RunPoseLoop(context.Background(), newTaggedSource(5, size), engine, PoseLoopOptions{
		Renderer: overlay.DefaultRenderer(),
		Writer:   writer,
		OnFrame:  func(i int, out overlay.Output) { seen = append(seen, i) },
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats, test.ShouldResemble, PoseStats{Frames: 5})
	test.That(t, seen, test.ShouldResemble, []int{0, 1, 2, 3, 4})
	test.That(t, len(writer.frames), test.ShouldEqual, 5)
	test.That(t, writer.frames[0].Bounds().Size(), test.ShouldResemble, size)

	display := &quittingDisplay{quitAt: 2}
	stats, err = RunPoseLoop(context.Background(), newTaggedSource(5, size), engine, PoseLoopOptions{
		Renderer: overlay.DefaultRenderer(),
		Display:  display,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Frames, test.ShouldEqual, 2)
}

func TestRunPoseLoopStops(t *testing.T) {
	logger := logging.NewTestLogger(t)
	engine := newLoopEngine(t, image.Point{X: 640, Y: 480}, []int{0, 0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := RunPoseLoop(ctx, newTaggedSource(2, image.Point{X: 640, Y: 480}), engine, PoseLoopOptions{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.Frames, test.ShouldEqual, 0)

	_, err = RunPoseLoop(context.Background(), newTaggedSource(2, image.Point{X: 320, Y: 240}), engine, PoseLoopOptions{}, logger)
	var mismatch *charuco.ResolutionMismatchError
	test.That(t, errors.As(err, &mismatch), test.ShouldBeTrue)
}

var _ sampler.Source = (*taggedSource)(nil)
