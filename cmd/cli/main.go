// Package main is the calibration command line: frame extraction, camera
// calibration, board pose overlay, detection reports, frame capture and
// printable board images.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	calibration "github.com/giri3105/calibration"
	"github.com/giri3105/calibration/cvio"
	"github.com/giri3105/calibration/sampler"
)

const (
	flagDebug = "debug"

	flagSquaresX     = "squares-x"
	flagSquaresY     = "squares-y"
	flagSquareLength = "square-length"
	flagMarkerLength = "marker-length"
	flagDictionary   = "dictionary"
	flagMinCorners   = "min-corners"
	flagRefine       = "refine"

	flagSource    = "source"
	flagOutputDir = "output-dir"
	flagPrefix    = "prefix"
	flagSkip      = "skip"
	flagStartSec  = "start-sec"
	flagEndSec    = "end-sec"

	flagImages     = "images"
	flagVideo      = "video"
	flagOutput     = "output"
	flagPreviewDir = "preview-dir"

	flagCalibration = "calibration"
	flagOutputVideo = "output-video"
	flagDisplay     = "display"
	flagRadius      = "radius"
	flagCenterX     = "center-x"
	flagCenterY     = "center-y"
	flagPoints      = "points"
	flagNoAxes      = "no-axes"

	flagCSV = "csv"

	flagCamera       = "camera"
	flagRate         = "rate"
	flagCount        = "count"
	flagRequireBoard = "require-board"

	flagWidth      = "width"
	flagHeight     = "height"
	flagMargin     = "margin"
	flagBorderBits = "border-bits"
)

func main() {
	if err := realMain(os.Args); err != nil {
		os.Exit(1)
	}
}

func realMain(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().RunContext(ctx, args)
	if err != nil {
		logging.NewLogger("calibration").Error(err)
	}
	return err
}

func newLogger(c *cli.Context) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("calibration")
	}
	return logging.NewLogger("calibration")
}

func boardFlags() []cli.Flag {
	def := calibration.DefaultConfig()
	return []cli.Flag{
		&cli.IntFlag{Name: flagSquaresX, Value: def.SquaresX, Usage: "board squares along x"},
		&cli.IntFlag{Name: flagSquaresY, Value: def.SquaresY, Usage: "board squares along y"},
		&cli.Float64Flag{Name: flagSquareLength, Value: def.SquareLength, Usage: "square side in meters"},
		&cli.Float64Flag{Name: flagMarkerLength, Value: def.MarkerLength, Usage: "marker side in meters"},
		&cli.StringFlag{Name: flagDictionary, Value: def.Dictionary, Usage: "ArUco dictionary name or id"},
		&cli.IntFlag{Name: flagMinCorners, Value: def.MinCorners(), Usage: "frames need more than this many corners"},
		&cli.BoolFlag{Name: flagRefine, Usage: "refine corners to subpixel accuracy"},
	}
}

func windowFlags(defaultSkip int) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: flagSkip, Value: defaultSkip, Usage: "keep every `N`th frame"},
		&cli.Float64Flag{Name: flagStartSec, Usage: "start time in seconds"},
		&cli.Float64Flag{Name: flagEndSec, Usage: "end time in seconds (default: end of stream)"},
		&cli.StringFlag{Name: flagPrefix, Value: sampler.DefaultPrefix, Usage: "output file name prefix"},
	}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// configFromFlags maps the board and window flags onto a validated Config.
func configFromFlags(c *cli.Context) (calibration.Config, error) {
	cfg := calibration.Config{
		SquaresX:       c.Int(flagSquaresX),
		SquaresY:       c.Int(flagSquaresY),
		SquareLength:   c.Float64(flagSquareLength),
		MarkerLength:   c.Float64(flagMarkerLength),
		Dictionary:     c.String(flagDictionary),
		StartSec:       c.Float64(flagStartSec),
		Stride:         c.Int(flagSkip),
		FramePrefix:    c.String(flagPrefix),
	}
	minCorners := c.Int(flagMinCorners)
	cfg.MinCornerCount = &minCorners
	if c.IsSet(flagEndSec) {
		end := c.Float64(flagEndSec)
		cfg.EndSec = &end
	}
	if c.IsSet(flagSkip) && cfg.Stride == 0 {
		// 0 would silently become the default
		cfg.Stride = -1
	}
	_, _, err := cfg.Validate("")
	return cfg, err
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "calibration",
		Usage: "ChArUco camera calibration and board pose overlay",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "extract-frames",
				Usage: "save every Nth frame of a video within a time window",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagSource, Required: true, Usage: "video file, device index or image directory"},
					&cli.StringFlag{Name: flagOutputDir, Required: true, Usage: "directory for the extracted frames"},
				}, windowFlags(sampler.DefaultStride)),
				Action: extractFramesAction,
			},
			{
				Name:  "calibrate",
				Usage: "calibrate a camera from images or a video of a ChArUco board",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagImages, Usage: "directory of board images"},
					&cli.StringFlag{Name: flagVideo, Usage: "video of the board"},
					&cli.StringFlag{Name: flagOutput, Value: "calibration.yml", Usage: "calibration file (.yml, .yaml or .json)"},
					&cli.StringFlag{Name: flagPreviewDir, Usage: "write undistorted side-by-side previews of the images here"},
				}, boardFlags(), windowFlags(sampler.DefaultStride)),
				Action: calibrateAction,
			},
			{
				Name:  "pose",
				Usage: "estimate the board pose in every frame and draw a reference circle",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagSource, Required: true, Usage: "video file or device index"},
					&cli.StringFlag{Name: flagCalibration, Value: "calibration.yml", Usage: "calibration file"},
					&cli.StringFlag{Name: flagOutputVideo, Usage: "write the annotated video here (mp4v)"},
					&cli.BoolFlag{Name: flagDisplay, Usage: "show the annotated frames, q quits"},
					&cli.Float64Flag{Name: flagRadius, Value: 0.456, Usage: "reference circle radius in meters"},
					&cli.Float64Flag{Name: flagCenterX, Value: 0.45, Usage: "reference circle center x on the board"},
					&cli.Float64Flag{Name: flagCenterY, Value: 0.4, Usage: "reference circle center y on the board"},
					&cli.IntFlag{Name: flagPoints, Value: 50, Usage: "reference circle points"},
					&cli.BoolFlag{Name: flagNoAxes, Usage: "do not draw the board axes"},
				}, boardFlags()),
				Action: poseAction,
			},
			{
				Name:  "detect",
				Usage: "count markers and corners in a directory of images",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagImages, Required: true, Usage: "directory of board images"},
					&cli.StringFlag{Name: flagCSV, Value: "detections.csv", Usage: "CSV report path"},
				}, boardFlags()),
				Action: detectAction,
			},
			{
				Name:  "capture",
				Usage: "save frames from a camera on a running machine",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagCamera, Required: true, Usage: "camera name on the machine"},
					&cli.StringFlag{Name: flagOutputDir, Required: true, Usage: "directory for the frames"},
					&cli.Float64Flag{Name: flagRate, Value: 1, Usage: "frames saved per second"},
					&cli.IntFlag{Name: flagCount, Usage: "stop after this many frames (0: until interrupted)"},
					&cli.BoolFlag{Name: flagRequireBoard, Usage: "only save frames with enough board corners"},
					&cli.StringFlag{Name: flagPrefix, Value: sampler.DefaultPrefix, Usage: "output file name prefix"},
				}, boardFlags()),
				Action: captureAction,
			},
			{
				Name:  "generate-board",
				Usage: "render a printable image of the board",
				Flags: withFlags([]cli.Flag{
					&cli.StringFlag{Name: flagOutput, Value: "charuco_board.png", Usage: "image path"},
					&cli.IntFlag{Name: flagWidth, Value: 1480, Usage: "image width in pixels"},
					&cli.IntFlag{Name: flagHeight, Value: 1000, Usage: "image height in pixels"},
					&cli.IntFlag{Name: flagMargin, Value: 20, Usage: "white margin in pixels"},
					&cli.IntFlag{Name: flagBorderBits, Value: cvio.DefaultBorderBits, Usage: "marker border width in bits"},
				}, boardFlags()),
				Action: generateBoardAction,
			},
		},
	}
}
