// Package calibration wires the ChArUco pipeline together: configuration,
// observation collection from a frame source, calibration and the per-frame
// pose overlay loop.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/overlay"
	"github.com/giri3105/calibration/sampler"
)

// Config is every recognized pipeline option.
type Config struct {
	SquaresX       int      `json:"squares_x"`
	SquaresY       int      `json:"squares_y"`
	SquareLength   float64  `json:"square_length"`
	MarkerLength   float64  `json:"marker_length"`
	Dictionary     string   `json:"dictionary"`
	MinCornerCount *int     `json:"min_corner_count,omitempty"`
	StartSec       float64  `json:"start_sec"`
	EndSec         *float64 `json:"end_sec,omitempty"`
	Stride         int      `json:"stride"`
	FramePrefix    string   `json:"frame_prefix"`
}

// DefaultConfig is an 8x8 board of 10cm squares and 7.5cm DICT_5X5_1000
// markers, sampling every 20th frame.
func DefaultConfig() Config {
	return Config{
		SquaresX:       8,
		SquaresY:       8,
		SquareLength:   0.1,
		MarkerLength:   0.075,
		Dictionary:     board.Dict5X5_1000.String(),
		MinCornerCount: intPtr(charuco.DefaultMinCorners),
		Stride:         sampler.DefaultStride,
		FramePrefix:    sampler.DefaultPrefix,
	}
}

// Validate fills unset fields with defaults and rejects invalid values.
// It never returns dependencies; the signature matches resource configs.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	def := DefaultConfig()
	if cfg.SquaresX == 0 && cfg.SquaresY == 0 {
		cfg.SquaresX, cfg.SquaresY = def.SquaresX, def.SquaresY
	}
	if cfg.SquareLength == 0 {
		cfg.SquareLength = def.SquareLength
	}
	if cfg.MarkerLength == 0 {
		cfg.MarkerLength = def.MarkerLength
	}
	if cfg.Dictionary == "" {
		cfg.Dictionary = def.Dictionary
	}
	if cfg.MinCornerCount == nil {
		cfg.MinCornerCount = def.MinCornerCount
	}
	if cfg.Stride == 0 {
		cfg.Stride = def.Stride
	}
	if cfg.FramePrefix == "" {
		cfg.FramePrefix = def.FramePrefix
	}

	if *cfg.MinCornerCount < 0 {
		return nil, nil, errors.New("min_corner_count must not be negative")
	}
	if _, err := cfg.BoardModel(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Window().Validate(); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

// MinCorners is the corner count a frame has to exceed; 0 is a valid
// threshold.
func (cfg *Config) MinCorners() int {
	if cfg.MinCornerCount == nil {
		return charuco.DefaultMinCorners
	}
	return *cfg.MinCornerCount
}

func intPtr(v int) *int {
	return &v
}

// BoardModel builds the board the config describes.
func (cfg *Config) BoardModel() (*board.Model, error) {
	dict, err := board.ParseDictionary(cfg.Dictionary)
	if err != nil {
		return nil, err
	}
	return board.NewModel(cfg.SquaresX, cfg.SquaresY, cfg.SquareLength, cfg.MarkerLength, dict)
}

// Window is the sampling window the config describes.
func (cfg *Config) Window() sampler.Window {
	return sampler.Window{
		StartSec: cfg.StartSec,
		EndSec:   cfg.EndSec,
		Stride:   cfg.Stride,
		Prefix:   cfg.FramePrefix,
	}
}

// CollectStats counts what happened to sampled frames.
type CollectStats struct {
	Frames   int
	Accepted int
	Rejected int
	// size of the first sampled frame
	ImageSize image.Point
}

// CollectObservations samples src, runs the collector on every sampled frame
// and appends accepted observations to acc. Frames without a usable board
// are skipped.
func CollectObservations(
	ctx context.Context,
	src sampler.Source,
	window sampler.Window,
	collector *charuco.Collector,
	acc *charuco.Accumulator,
	logger logging.Logger,
) (CollectStats, error) {
	stats := CollectStats{}
	cursor, err := sampler.New(src, window)
	if err != nil {
		return stats, err
	}
	for cursor.Next(ctx) {
		f := cursor.Frame()
		if stats.Frames == 0 {
			stats.ImageSize = f.Image.Bounds().Size()
		}
		stats.Frames++
		obs, err := collector.Collect(f.Image)
		if err != nil {
			var empty *charuco.DetectionEmptyError
			if errors.As(err, &empty) {
				stats.Rejected++
				logger.Debugf("frame %d (%.2fs): %v", f.SourceIndex, f.TimestampSec, err)
				continue
			}
			return stats, fmt.Errorf("frame %d: %w", f.SourceIndex, err)
		}
		stats.Accepted++
		acc.Add(obs)
		logger.Infof("frame %d (%.2fs): accepted %d corners", f.SourceIndex, f.TimestampSec, len(obs.CornerIDs))
	}
	if err := cursor.Err(); err != nil {
		return stats, err
	}
	logger.Infof("sampled %d frames: %d accepted, %d rejected", stats.Frames, stats.Accepted, stats.Rejected)
	return stats, nil
}

// RunCalibration collects observations from src and calibrates from them.
func RunCalibration(
	ctx context.Context,
	cfg Config,
	src sampler.Source,
	detector charuco.Detector,
	solver charuco.Solver,
	logger logging.Logger,
) (*charuco.Result, CollectStats, error) {
	b, err := cfg.BoardModel()
	if err != nil {
		return nil, CollectStats{}, err
	}
	collector := charuco.NewCollector(b, detector, cfg.MinCorners(), logger)
	acc := &charuco.Accumulator{}
	stats, err := CollectObservations(ctx, src, cfg.Window(), collector, acc, logger)
	if err != nil {
		return nil, stats, err
	}
	res, err := charuco.CalibrateWithSize(ctx, acc.All(), stats.ImageSize, b, solver, logger)
	return res, stats, err
}

// FrameWriter receives rendered frames, e.g. a video file.
type FrameWriter interface {
	Write(img image.Image) error
}

// FrameDisplay shows rendered frames and reports when the user asks to stop.
type FrameDisplay interface {
	Show(img image.Image) (quit bool, err error)
}

// PoseLoopOptions configures RunPoseLoop. Writer, Display and OnFrame are
// optional.
type PoseLoopOptions struct {
	Reference []r3.Vector
	Renderer  overlay.Renderer
	Writer    FrameWriter
	Display   FrameDisplay
	OnFrame   func(index int, out overlay.Output)
}

type PoseStats struct {
	Frames int
	Posed  int
}

// RunPoseLoop processes src frame by frame until it ends, ctx is cancelled or
// the display asks to quit. Cancellation is a normal stop.
func RunPoseLoop(ctx context.Context, src sampler.Source, engine *overlay.Engine, opts PoseLoopOptions, logger logging.Logger) (PoseStats, error) {
	stats := PoseStats{}
	for {
		if ctx.Err() != nil {
			logger.Info("stop requested")
			return stats, nil
		}
		img, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("end of video stream")
				return stats, nil
			}
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, &charuco.SourceUnavailableError{Source: "read", Err: err}
		}

		out, err := engine.Process(ctx, img, opts.Reference)
		if err != nil {
			return stats, err
		}
		stats.Frames++
		if out.Pose.Success {
			stats.Posed++
		}
		if opts.OnFrame != nil {
			opts.OnFrame(stats.Frames-1, out)
		}
		if opts.Writer == nil && opts.Display == nil {
			continue
		}

		drawn := opts.Renderer.Draw(img, out)
		if opts.Writer != nil {
			if err := opts.Writer.Write(drawn); err != nil {
				return stats, fmt.Errorf("failed to write frame %d: %w", stats.Frames-1, err)
			}
		}
		if opts.Display != nil {
			quit, err := opts.Display.Show(drawn)
			if err != nil {
				return stats, err
			}
			if quit {
				logger.Info("quit requested")
				return stats, nil
			}
		}
	}
}
