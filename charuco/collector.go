// Package charuco collects ChArUco board observations, gates and runs camera
// calibration, and persists the result.
package charuco

import (
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/detection"
)

// DefaultMinCorners is the corner count a frame has to exceed to be kept.
const DefaultMinCorners = 4

// Observation is one accepted detection of the board.
type Observation struct {
	CornerIDs     []int         `json:"corner_ids"`
	Corners       []r2.Point    `json:"corners"`
	MarkerIDs     []int         `json:"marker_ids"`
	MarkerCorners [][4]r2.Point `json:"marker_corners"`
	ImageSize     image.Point   `json:"image_size"`
}

// Detector finds ChArUco corners in a grayscale image.
type Detector interface {
	DetectBoard(gray *image.Gray) (detection.Result, error)
}

// ToGray converts any image to 8-bit grayscale, returning gray images as is.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	return rimage.MakeGray(rimage.ConvertImage(img))
}

// Collector runs board detection on frames and keeps those that show enough
// of the board.
type Collector struct {
	board      *board.Model
	detector   Detector
	minCorners int
	logger     logging.Logger
}

// NewCollector keeps frames with more than minCorners corners. A negative
// minCorners selects DefaultMinCorners.
func NewCollector(b *board.Model, detector Detector, minCorners int, logger logging.Logger) *Collector {
	if minCorners < 0 {
		minCorners = DefaultMinCorners
	}
	return &Collector{board: b, detector: detector, minCorners: minCorners, logger: logger}
}

// Collect detects the board in img. The detector is called exactly once. A
// frame with minCorners or fewer corners is rejected with a
// *DetectionEmptyError.
func (c *Collector) Collect(img image.Image) (Observation, error) {
	gray := ToGray(img)
	res, err := c.detector.DetectBoard(gray)
	if err != nil {
		return Observation{}, err
	}
	if res.Count() <= c.minCorners {
		c.logger.Debugf("rejecting frame: %d corners, %d markers", res.Count(), len(res.MarkerIDs))
		return Observation{}, &DetectionEmptyError{Corners: res.Count(), MinCorners: c.minCorners}
	}
	if _, _, err := c.board.Correspondences(res.CornerIDs, res.Corners); err != nil {
		return Observation{}, err
	}
	size := gray.Bounds().Size()
	c.logger.Debugf("accepted frame %dx%d with %d corners", size.X, size.Y, res.Count())
	return Observation{
		CornerIDs:     res.CornerIDs,
		Corners:       res.Corners,
		MarkerIDs:     res.MarkerIDs,
		MarkerCorners: res.MarkerCorners,
		ImageSize:     size,
	}, nil
}

// Accumulator is the ordered list of accepted observations. It is safe for
// concurrent use.
type Accumulator struct {
	mu           sync.Mutex
	observations []Observation
}

func (a *Accumulator) Add(obs Observation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observations = append(a.observations, obs)
	return len(a.observations)
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observations)
}

// All returns a copy of the observations in insertion order.
func (a *Accumulator) All() []Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Observation, len(a.observations))
	copy(out, a.observations)
	return out
}

// Pop removes the last observation.
func (a *Accumulator) Pop() (Observation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.observations) == 0 {
		return Observation{}, false
	}
	last := a.observations[len(a.observations)-1]
	a.observations = a.observations[:len(a.observations)-1]
	return last, true
}

func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observations = nil
}

// ImageSize is the size of the first observation, or zero when empty.
func (a *Accumulator) ImageSize() image.Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.observations) == 0 {
		return image.Point{}
	}
	return a.observations[0].ImageSize
}
