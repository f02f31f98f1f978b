package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/erh/vmodutils"
	"github.com/golang/geo/r2"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"

	calibration "github.com/giri3105/calibration"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/cvio"
	"github.com/giri3105/calibration/overlay"
	"github.com/giri3105/calibration/sampler"
	"github.com/giri3105/calibration/solvers"
)

// openSource opens a directory as an image sequence and anything else as a
// video file or capture device.
func openSource(source string) (sampler.Source, error) {
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		src, err := sampler.NewImageDirSource(source, sampler.DefaultImageFPS)
		if err != nil {
			return nil, &charuco.SourceUnavailableError{Source: source, Err: err}
		}
		return src, nil
	}
	video, err := cvio.OpenVideo(source)
	if err != nil {
		return nil, err
	}
	return video, nil
}

func extractFramesAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	src, err := openSource(c.String(flagSource))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	sink, err := sampler.NewDirSink(c.String(flagOutputDir))
	if err != nil {
		return err
	}
	cursor, err := sampler.New(src, cfg.Window())
	if err != nil {
		return err
	}
	saved, err := sampler.Extract(c.Context, cursor, sink, logger)
	if err != nil {
		return err
	}
	logger.Infof("saved %d frames to %s", saved, sink.Dir())
	return nil
}

func calibrateAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	images, video := c.String(flagImages), c.String(flagVideo)
	if (images == "") == (video == "") {
		return errors.New("exactly one of --images or --video is required")
	}
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}

	var src sampler.Source
	var paths []string
	if images != "" {
		if !c.IsSet(flagSkip) {
			cfg.Stride = 1
		}
		dirSrc, err := sampler.NewImageDirSource(images, sampler.DefaultImageFPS)
		if err != nil {
			return &charuco.SourceUnavailableError{Source: images, Err: err}
		}
		paths, err = sampler.ListImages(images)
		if err != nil {
			return err
		}
		src = dirSrc
	} else {
		if src, err = cvio.OpenVideo(video); err != nil {
			return err
		}
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	b, err := cfg.BoardModel()
	if err != nil {
		return err
	}
	detector, err := cvio.NewArucoDetector(b, c.Bool(flagRefine))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, detector.Close()) }()

	res, stats, err := calibration.RunCalibration(c.Context, cfg, src, detector, solvers.NewPlanarSolver(logger), logger)
	if err != nil {
		return err
	}
	output := c.String(flagOutput)
	if err := charuco.SaveResult(output, res); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, calibrationReport(res, stats))
	logger.Infof("calibration saved to %s", output)

	if dir := c.String(flagPreviewDir); dir != "" {
		if video != "" {
			logger.Warn("previews are only written for --images")
			return nil
		}
		return writePreviews(c.Context, res, paths, dir, logger)
	}
	return nil
}

func writePreviews(ctx context.Context, res *charuco.Result, paths []string, dir string, logger logging.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil
		}
		img, err := rimage.NewImageFromFile(p)
		if err != nil {
			return err
		}
		undistorted, err := res.Undistort(img)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		out := filepath.Join(dir, "undistorted_"+filepath.Base(p))
		if err := savePreview(out, sideBySide(img, undistorted)); err != nil {
			return err
		}
		logger.Debugf("wrote %s", out)
	}
	logger.Infof("wrote %d previews to %s", len(paths), dir)
	return nil
}

func poseAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	calib, err := charuco.LoadResult(c.String(flagCalibration))
	if err != nil {
		return err
	}
	b, err := cfg.BoardModel()
	if err != nil {
		return err
	}

	src, err := cvio.OpenVideo(c.String(flagSource))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	detector, err := cvio.NewArucoDetector(b, c.Bool(flagRefine))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, detector.Close()) }()

	engine, err := overlay.NewEngine(b, detector, solvers.NewPlanarSolver(logger), calib, cfg.MinCorners(), logger)
	if err != nil {
		return err
	}

	renderer := overlay.DefaultRenderer()
	renderer.DrawAxes = !c.Bool(flagNoAxes)
	opts := calibration.PoseLoopOptions{
		Reference: overlay.Circle(c.Float64(flagRadius), r2.Point{X: c.Float64(flagCenterX), Y: c.Float64(flagCenterY)}, c.Int(flagPoints)),
		Renderer:  renderer,
		OnFrame: func(i int, out overlay.Output) {
			if out.Pose.Success {
				t := out.Pose.Translation
				logger.Debugf("frame %d: %d corners, t=(%.3f, %.3f, %.3f)", i, out.Detection.Count(), t.X, t.Y, t.Z)
			}
		},
	}
	if path := c.String(flagOutputVideo); path != "" {
		sink, sinkErr := cvio.NewVideoSink(path, src.FPS(), src.Size())
		if sinkErr != nil {
			return sinkErr
		}
		defer func() { err = multierr.Append(err, sink.Close()) }()
		opts.Writer = sink
	}
	if c.Bool(flagDisplay) {
		display := cvio.NewDisplay("pose")
		defer func() { err = multierr.Append(err, display.Close()) }()
		opts.Display = display
	}

	stats, err := calibration.RunPoseLoop(c.Context, src, engine, opts, logger)
	logger.Infof("processed %d frames, board pose found in %d", stats.Frames, stats.Posed)
	return err
}

func detectAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	b, err := cfg.BoardModel()
	if err != nil {
		return err
	}
	paths, err := sampler.ListImages(c.String(flagImages))
	if err != nil {
		return &charuco.SourceUnavailableError{Source: c.String(flagImages), Err: err}
	}
	detector, err := cvio.NewArucoDetector(b, false)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, detector.Close()) }()

	var rows []detectionRow
	for _, p := range paths {
		if c.Context.Err() != nil {
			break
		}
		img, err := rimage.NewImageFromFile(p)
		if err != nil {
			logger.Warnf("skipping %s: %v", p, err)
			continue
		}
		res, err := detector.DetectBoard(charuco.ToGray(img))
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		rows = append(rows, detectionRow{Name: filepath.Base(p), Markers: len(res.MarkerIDs), Corners: res.Count()})
	}

	csvPath := c.String(flagCSV)
	if err := os.WriteFile(csvPath, []byte(detectionCSV(rows)), 0o644); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, detectionTable(rows))
	logger.Infof("detection summary for %d images saved to %s", len(rows), csvPath)
	return nil
}

func captureAction(c *cli.Context) (err error) {
	logger := newLogger(c)
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	sink, err := sampler.NewDirSink(c.String(flagOutputDir))
	if err != nil {
		return err
	}

	machine, err := vmodutils.ConnectToMachineFromEnv(c.Context, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to machine: %w", err)
	}
	defer func() { err = multierr.Append(err, machine.Close(context.Background())) }()

	cam, err := camera.FromRobot(machine, c.String(flagCamera))
	if err != nil {
		return err
	}

	clk := clock.New()
	opts := captureOptions{
		Prefix:   cfg.FramePrefix,
		Count:    c.Int(flagCount),
		Throttle: sampler.NewThrottle(clk, c.Float64(flagRate)),
	}
	if c.Bool(flagRequireBoard) {
		b, boardErr := cfg.BoardModel()
		if boardErr != nil {
			return boardErr
		}
		detector, detErr := cvio.NewArucoDetector(b, false)
		if detErr != nil {
			return detErr
		}
		defer func() { err = multierr.Append(err, detector.Close()) }()
		opts.Collector = charuco.NewCollector(b, detector, cfg.MinCorners(), logger)
	}

	saved, err := captureFrames(c.Context, sampler.NewCameraSource(cam, clk, 0), sink, opts, logger)
	logger.Infof("saved %d frames to %s", saved, sink.Dir())
	return err
}

type captureOptions struct {
	Prefix   string
	Count    int
	Throttle *sampler.Throttle
	// frames the collector rejects are not saved when set
	Collector *charuco.Collector
}

// captureFrames saves throttled frames from src until ctx is done or Count
// frames were saved.
func captureFrames(ctx context.Context, src sampler.Source, sink sampler.FrameSink, opts captureOptions, logger logging.Logger) (int, error) {
	saved := 0
	for opts.Count <= 0 || saved < opts.Count {
		if ctx.Err() != nil {
			return saved, nil
		}
		img, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return saved, nil
			}
			return saved, &charuco.SourceUnavailableError{Source: "camera", Err: err}
		}
		if opts.Collector != nil {
			if _, err := opts.Collector.Collect(img); err != nil {
				var empty *charuco.DetectionEmptyError
				if errors.As(err, &empty) {
					continue
				}
				return saved, err
			}
		}
		if !opts.Throttle.Allow() {
			continue
		}
		name := sampler.FrameName(opts.Prefix, saved)
		if err := sink.WriteFrame(name, img); err != nil {
			return saved, fmt.Errorf("failed to write %s: %w", name, err)
		}
		saved++
		logger.Infof("saved %s (%dx%d)", name, img.Bounds().Dx(), img.Bounds().Dy())
	}
	return saved, nil
}

func generateBoardAction(c *cli.Context) error {
	logger := newLogger(c)
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	b, err := cfg.BoardModel()
	if err != nil {
		return err
	}
	img, err := cvio.RenderBoard(b, image.Pt(c.Int(flagWidth), c.Int(flagHeight)), c.Int(flagMargin), c.Int(flagBorderBits))
	if err != nil {
		return err
	}
	output := c.String(flagOutput)
	if err := imaging.Save(img, output); err != nil {
		return err
	}
	logger.Infof("%dx%d board with %d markers saved to %s", b.SquaresX(), b.SquaresY(), b.NumMarkers(), output)
	return nil
}
