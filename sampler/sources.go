package sampler

import (
	"context"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/rimage"

	"github.com/giri3105/calibration/charuco"
)

// DefaultImageFPS is the rate an image directory is replayed at.
const DefaultImageFPS = 30.0

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// ListImages returns the PNG and JPEG files in dir sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &charuco.SourceUnavailableError{Source: dir, Err: err}
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ImageDirSource replays a directory of images as a fixed rate stream.
type ImageDirSource struct {
	paths []string
	fps   float64
	next  int
	size  image.Point
}

// NewImageDirSource opens every image in dir. fps <= 0 selects
// DefaultImageFPS.
func NewImageDirSource(dir string, fps float64) (*ImageDirSource, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	return NewImageFilesSource(paths, fps)
}

// NewImageFilesSource replays the given files in order.
func NewImageFilesSource(paths []string, fps float64) (*ImageDirSource, error) {
	if len(paths) == 0 {
		return nil, &charuco.SourceUnavailableError{Source: "images", Err: errors.New("no images found")}
	}
	if fps <= 0 {
		fps = DefaultImageFPS
	}
	first, err := rimage.NewImageFromFile(paths[0])
	if err != nil {
		return nil, &charuco.SourceUnavailableError{Source: paths[0], Err: err}
	}
	return &ImageDirSource{paths: paths, fps: fps, size: first.Bounds().Size()}, nil
}

func (s *ImageDirSource) Read(ctx context.Context) (image.Image, error) {
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.next]
	s.next++
	img, err := rimage.NewImageFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// Path is the file the last Read returned.
func (s *ImageDirSource) Path() string {
	if s.next == 0 {
		return ""
	}
	return s.paths[s.next-1]
}

func (s *ImageDirSource) Len() int {
	return len(s.paths)
}

func (s *ImageDirSource) PositionSec() float64 {
	return float64(s.next) / s.fps
}

func (s *ImageDirSource) SeekSec(sec float64) error {
	if sec < 0 {
		return errors.Errorf("cannot seek to %v", sec)
	}
	// tolerate rounding so a seek to i/fps lands on frame i
	idx := int(math.Ceil(sec*s.fps - 1e-9))
	if idx > len(s.paths) {
		idx = len(s.paths)
	}
	s.next = idx
	return nil
}

func (s *ImageDirSource) FPS() float64 {
	return s.fps
}

func (s *ImageDirSource) Size() image.Point {
	return s.size
}

func (s *ImageDirSource) Close() error {
	return nil
}

// CameraSource polls a Viam camera as a live stream. Timestamps are the time
// since the source was created.
type CameraSource struct {
	cam   camera.Camera
	clk   clock.Clock
	start time.Time
	fps   float64
	size  image.Point
}

func NewCameraSource(cam camera.Camera, clk clock.Clock, fps float64) *CameraSource {
	if clk == nil {
		clk = clock.New()
	}
	return &CameraSource{cam: cam, clk: clk, start: clk.Now(), fps: fps}
}

func (s *CameraSource) Read(ctx context.Context) (image.Image, error) {
	img, err := camera.DecodeImageFromCamera(ctx, s.cam, nil, nil)
	if err != nil {
		return nil, err
	}
	s.size = img.Bounds().Size()
	return img, nil
}

func (s *CameraSource) PositionSec() float64 {
	return s.clk.Since(s.start).Seconds()
}

func (s *CameraSource) SeekSec(float64) error {
	return ErrSeekUnsupported
}

// FPS is the nominal polling rate, zero when unknown.
func (s *CameraSource) FPS() float64 {
	return s.fps
}

// Size is the size of the last frame read.
func (s *CameraSource) Size() image.Point {
	return s.size
}

// Close leaves the camera open; it belongs to the caller.
func (s *CameraSource) Close() error {
	return nil
}

// Throttle limits an action to a maximum rate.
type Throttle struct {
	clk      clock.Clock
	interval time.Duration
	last     time.Time
	fired    bool
}

// NewThrottle allows at most ratePerSec events per second; a rate <= 0
// allows everything.
func NewThrottle(clk clock.Clock, ratePerSec float64) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	t := &Throttle{clk: clk}
	if ratePerSec > 0 {
		t.interval = time.Duration(float64(time.Second) / ratePerSec)
	}
	return t
}

// Allow reports whether an event may happen now and records it if so.
func (t *Throttle) Allow() bool {
	now := t.clk.Now()
	if t.fired && now.Sub(t.last) < t.interval {
		return false
	}
	t.fired = true
	t.last = now
	return true
}

// Reset forgets the last event.
func (t *Throttle) Reset() {
	t.fired = false
}

// DirSink writes frames as PNG files into a directory.
type DirSink struct {
	dir string
}

// NewDirSink creates dir if needed and checks that it is writable.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %s", dir)
	}
	check, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return nil, errors.Wrapf(err, "output directory %s is not writable", dir)
	}
	name := check.Name()
	if err := check.Close(); err != nil {
		return nil, err
	}
	if err := os.Remove(name); err != nil {
		return nil, err
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Dir() string {
	return s.dir
}

func (s *DirSink) WriteFrame(name string, img image.Image) error {
	return rimage.WriteImageToFile(filepath.Join(s.dir, name), img)
}
