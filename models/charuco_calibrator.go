package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"
	rdk_utils "go.viam.com/utils"

	calibration "github.com/giri3105/calibration"
	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/cvio"
	"github.com/giri3105/calibration/sampler"
	"github.com/giri3105/calibration/solvers"
)

var CharucoCalibrator = resource.NewModel("giri3105", "calibration", "charuco-calibrator")

// how often the auto-capture loop polls the camera
const capturePollInterval = 100 * time.Millisecond

func init() {
	resource.RegisterService(genericservice.API, CharucoCalibrator,
		resource.Registration[resource.Resource, *CalibratorConfig]{
			Constructor: newCharucoCalibrator,
		},
	)
}

type CalibratorConfig struct {
	CameraName    string             `json:"camera_name"`
	Board         calibration.Config `json:"board"`
	RefineCorners bool               `json:"refine_corners,omitempty"`

	// Written by the calibrate command when set.
	CalibrationPath string `json:"calibration_path,omitempty"`
	// Accepted observations per second kept by the auto-capture loop.
	CaptureRateHz float64 `json:"capture_rate_hz,omitempty"`
	AutoCapture   bool    `json:"auto_capture,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
func (cfg *CalibratorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.CaptureRateHz < 0 {
		return nil, nil, errors.New("capture_rate_hz must not be negative")
	}
	if cfg.AutoCapture && cfg.CaptureRateHz == 0 {
		cfg.CaptureRateHz = 1
	}
	if _, _, err := cfg.Board.Validate(path + ".board"); err != nil {
		return nil, nil, fmt.Errorf("board: %w", err)
	}
	return []string{cfg.CameraName}, nil, nil
}

type charucoCalibrator struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *CalibratorConfig

	source    *sampler.CameraSource
	detector  charuco.Detector
	solver    charuco.Solver
	collector *charuco.Collector
	acc       *charuco.Accumulator
	board     *board.Model

	mu     sync.Mutex
	result *charuco.Result
	// size of the first frame read since the last clear
	frameSize image.Point

	clk      clock.Clock
	throttle *sampler.Throttle
	worker   *rdk_utils.StoppableWorkers
}

func newCharucoCalibrator(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*CalibratorConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewCharucoCalibrator(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewCharucoCalibrator(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *CalibratorConfig, logger logging.Logger) (resource.Resource, error) {
	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %q: %w", conf.CameraName, err)
	}
	if _, _, err := conf.Validate(name.String()); err != nil {
		return nil, err
	}
	b, err := conf.Board.BoardModel()
	if err != nil {
		return nil, err
	}
	detector, err := cvio.NewArucoDetector(b, conf.RefineCorners)
	if err != nil {
		return nil, fmt.Errorf("failed to create marker detector: %w", err)
	}
	s, err := newCalibratorWith(name, conf, cam, detector, solvers.NewPlanarSolver(logger), clock.New(), logger)
	if err != nil {
		return nil, multierr.Combine(err, detector.Close())
	}
	return s, nil
}

func newCalibratorWith(
	name resource.Name,
	conf *CalibratorConfig,
	cam camera.Camera,
	detector charuco.Detector,
	solver charuco.Solver,
	clk clock.Clock,
	logger logging.Logger,
) (*charucoCalibrator, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating charuco calibrator with the following config:\n%s", configJSON)

	b, err := conf.Board.BoardModel()
	if err != nil {
		return nil, err
	}
	s := &charucoCalibrator{
		name:      name,
		logger:    logger,
		cfg:       conf,
		source:    sampler.NewCameraSource(cam, clk, 0),
		detector:  detector,
		solver:    solver,
		collector: charuco.NewCollector(b, detector, conf.Board.MinCorners(), logger),
		acc:       &charuco.Accumulator{},
		board:     b,
		clk:       clk,
		throttle:  sampler.NewThrottle(clk, conf.CaptureRateHz),
		worker:    rdk_utils.NewBackgroundStoppableWorkers(),
	}
	if conf.AutoCapture {
		s.logger.Infof("Starting auto capture at %.2f observations per second", conf.CaptureRateHz)
		s.worker.Add(s.captureLoop)
	}
	return s, nil
}

func (s *charucoCalibrator) Name() resource.Name {
	return s.name
}

// Close implements resource.Resource.
func (s *charucoCalibrator) Close(ctx context.Context) error {
	s.worker.Stop()
	var err error
	if closer, ok := s.detector.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return multierr.Append(err, s.source.Close())
}

func (s *charucoCalibrator) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	s.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "capture-observation":
		obs, err := s.capture(ctx)
		if err != nil {
			var empty *charuco.DetectionEmptyError
			if errors.As(err, &empty) {
				return map[string]interface{}{
					"status":      "rejected",
					"corners":     empty.Corners,
					"min_corners": empty.MinCorners,
				}, nil
			}
			return nil, err
		}
		n := s.acc.Add(obs)
		s.logger.Infof("Observation %d: %d corners", n, len(obs.CornerIDs))
		return map[string]interface{}{
			"status":       "accepted",
			"observations": n,
			"corners":      len(obs.CornerIDs),
		}, nil

	case "get-observations":
		all := s.acc.All()
		counts := make([]int, len(all))
		for i, obs := range all {
			counts[i] = len(obs.CornerIDs)
		}
		size := s.acc.ImageSize()
		return map[string]interface{}{
			"observations":  len(all),
			"corner_counts": counts,
			"image_width":   size.X,
			"image_height":  size.Y,
		}, nil

	case "pop-observation":
		if _, ok := s.acc.Pop(); !ok {
			return nil, errors.New("no observations to remove")
		}
		return map[string]interface{}{"status": "removed", "observations": s.acc.Len()}, nil

	case "clear-observations":
		s.acc.Clear()
		s.mu.Lock()
		s.result = nil
		s.frameSize = image.Point{}
		s.mu.Unlock()
		return map[string]interface{}{"status": "cleared"}, nil

	case "calibrate":
		s.mu.Lock()
		size := s.frameSize
		s.mu.Unlock()
		res, err := charuco.CalibrateWithSize(ctx, s.acc.All(), size, s.board, s.solver, s.logger)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.result = res
		s.mu.Unlock()

		out := resultToMap(res)
		out["status"] = "success"
		out["observations_used"] = s.acc.Len()
		if s.cfg.CalibrationPath != "" {
			if err := charuco.SaveResult(s.cfg.CalibrationPath, res); err != nil {
				return nil, fmt.Errorf("failed to save calibration: %w", err)
			}
			s.logger.Infof("Saved calibration to %s", s.cfg.CalibrationPath)
			out["calibration_path"] = s.cfg.CalibrationPath
		}
		return out, nil

	case "get-calibration":
		s.mu.Lock()
		res := s.result
		s.mu.Unlock()
		if res == nil && s.cfg.CalibrationPath != "" {
			loaded, err := charuco.LoadResult(s.cfg.CalibrationPath)
			if err != nil {
				return nil, err
			}
			res = loaded
		}
		if res == nil {
			return nil, errors.New("not calibrated - run calibrate first")
		}
		return resultToMap(res), nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func (s *charucoCalibrator) capture(ctx context.Context) (charuco.Observation, error) {
	img, err := s.source.Read(ctx)
	if err != nil {
		return charuco.Observation{}, &charuco.SourceUnavailableError{Source: s.cfg.CameraName, Err: err}
	}
	s.mu.Lock()
	if s.frameSize == (image.Point{}) {
		s.frameSize = img.Bounds().Size()
	}
	s.mu.Unlock()
	return s.collector.Collect(img)
}

// captureLoop keeps at most capture_rate_hz accepted observations per second.
func (s *charucoCalibrator) captureLoop(ctx context.Context) {
	s.logger.Info("Starting capture loop")
	ticker := s.clk.Ticker(capturePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.captureOnce(ctx); err != nil {
				s.logger.Debugf("capture: %v", err)
			}
		}
	}
}

func (s *charucoCalibrator) captureOnce(ctx context.Context) error {
	obs, err := s.capture(ctx)
	if err != nil {
		return err
	}
	if !s.throttle.Allow() {
		return nil
	}
	n := s.acc.Add(obs)
	s.logger.Infof("Auto captured observation %d: %d corners", n, len(obs.CornerIDs))
	return nil
}

func resultToMap(r *charuco.Result) map[string]interface{} {
	k := r.Intrinsics
	out := map[string]interface{}{
		"image_width":        k.Width,
		"image_height":       k.Height,
		"fx":                 k.Fx,
		"fy":                 k.Fy,
		"cx":                 k.Ppx,
		"cy":                 k.Ppy,
		"distortion":         r.Distortion,
		"reprojection_error": r.ReprojectionError,
	}
	if len(r.ViewErrors) > 0 {
		out["view_errors"] = r.ViewErrors
		out["view_error_summary"] = map[string]interface{}{
			"mean":   r.Summary.Mean,
			"median": r.Summary.Median,
			"max":    r.Summary.Max,
			"worst":  r.Summary.Worst,
		}
		out["coverage"] = map[string]interface{}{
			"points":      r.Coverage.Points,
			"spread_x":    r.Coverage.SpreadX,
			"spread_y":    r.Coverage.SpreadY,
			"low_spread":  r.Coverage.LowSpread,
			"low_samples": r.Coverage.LowSamples,
		}
	}
	return out
}
