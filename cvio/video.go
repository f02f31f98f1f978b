// Package cvio adapts OpenCV video capture, video writing, display windows
// and ArUco marker detection to the calibration pipeline.
package cvio

import (
	"context"
	"image"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"github.com/giri3105/calibration/charuco"
	"github.com/giri3105/calibration/sampler"
)

// VideoSource reads frames from a video file or a capture device.
type VideoSource struct {
	name  string
	cap   *gocv.VideoCapture
	frame gocv.Mat
	live  bool
	clk   clock.Clock
	start time.Time
}

// OpenVideo opens source as a capture device when it is an integer and as a
// file otherwise.
func OpenVideo(source string) (*VideoSource, error) {
	var (
		capture *gocv.VideoCapture
		err     error
		live    bool
	)
	if id, convErr := strconv.Atoi(source); convErr == nil {
		live = true
		capture, err = gocv.VideoCaptureDevice(id)
	} else {
		if _, statErr := os.Stat(source); statErr != nil {
			return nil, &charuco.SourceUnavailableError{Source: source, Err: statErr}
		}
		capture, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, &charuco.SourceUnavailableError{Source: source, Err: err}
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, &charuco.SourceUnavailableError{Source: source, Err: errors.New("could not open video")}
	}
	clk := clock.New()
	return &VideoSource{
		name:  source,
		cap:   capture,
		frame: gocv.NewMat(),
		live:  live,
		clk:   clk,
		start: clk.Now(),
	}, nil
}

func (v *VideoSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := v.cap.Read(&v.frame); !ok || v.frame.Empty() {
		return nil, io.EOF
	}
	img, err := v.frame.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "converting frame from %s", v.name)
	}
	return img, nil
}

// PositionSec is the stream position for files and the time since opening
// for devices.
func (v *VideoSource) PositionSec() float64 {
	if v.live {
		return v.clk.Since(v.start).Seconds()
	}
	return v.cap.Get(gocv.VideoCapturePosMsec) / 1000
}

func (v *VideoSource) SeekSec(sec float64) error {
	if v.live {
		return sampler.ErrSeekUnsupported
	}
	v.cap.Set(gocv.VideoCapturePosMsec, sec*1000)
	return nil
}

func (v *VideoSource) FPS() float64 {
	return v.cap.Get(gocv.VideoCaptureFPS)
}

func (v *VideoSource) Size() image.Point {
	return image.Point{
		X: int(v.cap.Get(gocv.VideoCaptureFrameWidth)),
		Y: int(v.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (v *VideoSource) Close() error {
	return multierr.Combine(v.frame.Close(), v.cap.Close())
}

// VideoSink encodes frames into an mp4v video file.
type VideoSink struct {
	writer *gocv.VideoWriter
	size   image.Point
}

// DefaultFPS is used when a source does not report its frame rate.
const DefaultFPS = 30.0

func NewVideoSink(path string, fps float64, size image.Point) (*VideoSink, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid video size %v", size)
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	writer, err := gocv.VideoWriterFile(path, "mp4v", fps, size.X, size.Y, true)
	if err != nil {
		return nil, errors.Wrapf(err, "opening video writer %s", path)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, errors.Errorf("could not open video writer %s", path)
	}
	return &VideoSink{writer: writer, size: size}, nil
}

func (s *VideoSink) Write(img image.Image) error {
	if got := img.Bounds().Size(); got != s.size {
		return errors.Errorf("frame is %v but the video is %v", got, s.size)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errors.Wrap(err, "converting frame")
	}
	defer mat.Close()
	return s.writer.Write(mat)
}

func (s *VideoSink) Close() error {
	return s.writer.Close()
}

// Display shows frames in a window.
type Display struct {
	window *gocv.Window
}

func NewDisplay(title string) *Display {
	return &Display{window: gocv.NewWindow(title)}
}

// Show draws img and reports whether the user pressed q.
func (d *Display) Show(img image.Image) (bool, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return false, errors.Wrap(err, "converting frame")
	}
	defer mat.Close()
	d.window.IMShow(mat)
	return d.window.WaitKey(1) == 'q', nil
}

func (d *Display) Close() error {
	return d.window.Close()
}
