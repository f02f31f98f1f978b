package models

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	calibration "github.com/giri3105/calibration"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/cvio"
	"github.com/giri3105/calibration/overlay"
	"github.com/giri3105/calibration/solvers"
	"github.com/giri3105/calibration/utils"
)

var BoardOverlay = resource.NewModel("giri3105", "calibration", "board-overlay")

func init() {
	resource.RegisterComponent(camera.API, BoardOverlay,
		resource.Registration[camera.Camera, *OverlayConfig]{
			Constructor: newBoardOverlay,
		},
	)
}

type OverlayConfig struct {
	CameraName      string             `json:"camera_name"`
	Board           calibration.Config `json:"board"`
	RefineCorners   bool               `json:"refine_corners,omitempty"`
	CalibrationPath string             `json:"calibration_path"`

	// Reference circle in board coordinates (meters).
	Radius       float64 `json:"radius,omitempty"`
	CenterX      *float64 `json:"center_x,omitempty"`
	CenterY      *float64 `json:"center_y,omitempty"`
	Points       int     `json:"points,omitempty"`
	OverlayColor string  `json:"overlay_color,omitempty"`
	DrawAxes     *bool   `json:"draw_axes,omitempty"`
	DrawCorners  *bool   `json:"draw_corners,omitempty"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit dependencies based on the config.
func (cfg *OverlayConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.CalibrationPath == "" {
		return nil, nil, errors.New("calibration_path is required")
	}
	if _, _, err := cfg.Board.Validate(path + ".board"); err != nil {
		return nil, nil, fmt.Errorf("board: %w", err)
	}
	if cfg.Radius < 0 {
		return nil, nil, errors.New("radius must not be negative")
	}
	if cfg.Points < 0 {
		return nil, nil, errors.New("points must not be negative")
	}
	// Set defaults
	if cfg.Radius == 0 {
		cfg.Radius = 0.456
	}
	if cfg.CenterX == nil {
		x := 0.45
		cfg.CenterX = &x
	}
	if cfg.CenterY == nil {
		y := 0.4
		cfg.CenterY = &y
	}
	if cfg.Points == 0 {
		cfg.Points = 50
	}
	if cfg.OverlayColor == "" {
		cfg.OverlayColor = "yellow"
	}
	return []string{cfg.CameraName}, nil, nil
}

func (cfg *OverlayConfig) reference() []r3.Vector {
	return overlay.Circle(cfg.Radius, r2.Point{X: *cfg.CenterX, Y: *cfg.CenterY}, cfg.Points)
}

func (cfg *OverlayConfig) renderer() overlay.Renderer {
	r := overlay.DefaultRenderer()
	r.PolylineColor = parseColor(cfg.OverlayColor)
	if cfg.DrawAxes != nil {
		r.DrawAxes = *cfg.DrawAxes
	}
	if cfg.DrawCorners != nil {
		r.DrawCorners = *cfg.DrawCorners
	}
	return r
}

type boardOverlay struct {
	resource.AlwaysRebuild
	name   resource.Name
	logger logging.Logger
	cfg    *OverlayConfig

	underlyingCam camera.Camera
	engine        *overlay.Engine
	detector      charuco.Detector
	renderer      overlay.Renderer
	reference     []r3.Vector

	mu   sync.Mutex
	last overlay.Output
}

func newBoardOverlay(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*OverlayConfig](rawConf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, err
	}
	if _, _, err := conf.Validate(rawConf.ResourceName().String()); err != nil {
		return nil, err
	}
	b, err := conf.Board.BoardModel()
	if err != nil {
		return nil, err
	}
	detector, err := cvio.NewArucoDetector(b, conf.RefineCorners)
	if err != nil {
		return nil, err
	}
	s, err := newBoardOverlayWith(rawConf.ResourceName(), conf, cam, detector, solvers.NewPlanarSolver(logger), logger)
	if err != nil {
		return nil, multierr.Combine(err, detector.Close())
	}
	return s, nil
}

func newBoardOverlayWith(
	name resource.Name,
	conf *OverlayConfig,
	cam camera.Camera,
	detector charuco.Detector,
	solver charuco.Solver,
	logger logging.Logger,
) (*boardOverlay, error) {
	calib, err := charuco.LoadResult(conf.CalibrationPath)
	if err != nil {
		return nil, err
	}
	b, err := conf.Board.BoardModel()
	if err != nil {
		return nil, err
	}
	engine, err := overlay.NewEngine(b, detector, solver, calib, conf.Board.MinCorners(), logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("Loaded calibration from %s (rms %.4f px)", conf.CalibrationPath, calib.ReprojectionError)
	return &boardOverlay{
		name:          name,
		logger:        logger,
		cfg:           conf,
		underlyingCam: cam,
		engine:        engine,
		detector:      detector,
		renderer:      conf.renderer(),
		reference:     conf.reference(),
	}, nil
}

func (s *boardOverlay) Name() resource.Name {
	return s.name
}

func (s *boardOverlay) Close(context.Context) error {
	if closer, ok := s.detector.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *boardOverlay) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "get-pose":
		s.mu.Lock()
		out := s.last
		s.mu.Unlock()
		resp := map[string]interface{}{
			"success": out.Pose.Success,
			"corners": out.Detection.Count(),
		}
		if out.Pose.Success {
			resp["pose"] = utils.PoseToMap(out.Pose.Pose)
			resp["rms"] = out.Pose.RMS
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

// process runs the pose engine on img and draws the result.
func (s *boardOverlay) process(ctx context.Context, img image.Image) (image.Image, error) {
	out, err := s.engine.Process(ctx, img, s.reference)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = out
	s.mu.Unlock()
	if out.Pose.Success {
		s.logger.Debugf("board pose: t=(%.3f, %.3f, %.3f) rms %.3f px",
			out.Pose.Translation.X, out.Pose.Translation.Y, out.Pose.Translation.Z, out.Pose.RMS)
	}
	return s.renderer.Draw(img, out), nil
}

func (s *boardOverlay) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (s *boardOverlay) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	return nil, camera.ImageMetadata{}, errors.New("image is deprecated, use images")
}

func (s *boardOverlay) Images(
	ctx context.Context,
	filterSourceNames []string,
	extra map[string]interface{},
) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	imgs, meta, err := s.underlyingCam.Images(ctx, filterSourceNames, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	resultImgs := make([]camera.NamedImage, len(imgs))
	for i, namedImg := range imgs {
		img, err := namedImg.Image(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		drawn, err := s.process(ctx, img)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImg, err := camera.NamedImageFromImage(drawn, namedImg.SourceName, namedImg.MimeType(), namedImg.Annotations)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		resultImgs[i] = resultImg
	}
	return resultImgs, meta, nil
}

func (s *boardOverlay) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

// Properties reports the underlying camera's properties with the calibrated
// intrinsics and distortion.
func (s *boardOverlay) Properties(ctx context.Context) (camera.Properties, error) {
	props, err := s.underlyingCam.Properties(ctx)
	if err != nil {
		return camera.Properties{}, err
	}
	calib := s.engine.Calibration()
	k := *calib.Intrinsics
	props.IntrinsicParams = &k
	bc, err := solvers.BrownConrady(calib.Distortion)
	if err != nil {
		return camera.Properties{}, err
	}
	props.DistortionParams = bc
	return props, nil
}

// parseColor converts a color name to color.Color, defaulting to yellow.
func parseColor(colorName string) color.Color {
	switch colorName {
	case "red":
		return color.RGBA{R: 255, A: 255}
	case "green":
		return color.RGBA{G: 255, A: 255}
	case "blue":
		return color.RGBA{B: 255, A: 255}
	case "white":
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	case "black":
		return color.RGBA{A: 255}
	case "cyan":
		return color.RGBA{G: 255, B: 255, A: 255}
	case "magenta":
		return color.RGBA{R: 255, B: 255, A: 255}
	default:
		return color.RGBA{R: 255, G: 255, A: 255}
	}
}
