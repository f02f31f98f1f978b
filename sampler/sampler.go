// Package sampler walks a frame source under a time window and stride,
// yielding an ordered subsequence of its frames.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"go.viam.com/rdk/logging"

	"github.com/giri3105/calibration/charuco"
)

const (
	DefaultStride = 20
	DefaultPrefix = "frame"
)

// ErrSeekUnsupported is returned by sources that cannot jump to a time.
var ErrSeekUnsupported = errors.New("source does not support seeking")

// Source is a sequential stream of frames.
type Source interface {
	// Read returns the next frame, or io.EOF when the stream has ended.
	Read(ctx context.Context) (image.Image, error)
	// PositionSec is the timestamp of the frame the next Read returns.
	PositionSec() float64
	SeekSec(sec float64) error
	FPS() float64
	Size() image.Point
	Close() error
}

// Window selects which frames of a source are sampled. A nil EndSec means
// until the end of the stream.
type Window struct {
	StartSec float64
	EndSec   *float64
	Stride   int
	Prefix   string
}

// DefaultWindow samples every 20th frame of the whole stream.
func DefaultWindow() Window {
	return Window{Stride: DefaultStride, Prefix: DefaultPrefix}
}

func (w Window) Validate() error {
	if w.Stride < 1 {
		return fmt.Errorf("stride must be 1 or greater, got %d", w.Stride)
	}
	if w.StartSec < 0 {
		return fmt.Errorf("start time must not be negative, got %v", w.StartSec)
	}
	if w.Prefix == "" {
		return errors.New("frame prefix must not be empty")
	}
	return nil
}

// empty reports whether the window cannot contain any frame.
func (w Window) empty() bool {
	return w.EndSec != nil && *w.EndSec < w.StartSec
}

// Frame is one sampled frame. Index counts yielded frames from 0,
// SourceIndex counts frames read since the start position.
type Frame struct {
	Index        int
	SourceIndex  int
	TimestampSec float64
	Image        image.Image
}

// Cursor iterates over the sampled frames of a source. It is not safe for
// concurrent use.
type Cursor struct {
	src    Source
	window Window

	started bool
	done    bool
	counter int
	index   int
	frame   Frame
	err     error
}

func New(src Source, window Window) (*Cursor, error) {
	if src == nil {
		return nil, errors.New("nil frame source")
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	return &Cursor{src: src, window: window}, nil
}

func (c *Cursor) Window() Window {
	return c.window
}

// Frame is the frame produced by the last successful Next.
func (c *Cursor) Frame() Frame {
	return c.frame
}

// Err is the error that stopped iteration, if any. End of stream and the end
// of the window are not errors.
func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}

func (c *Cursor) finish() bool {
	c.done = true
	return false
}

// seekToStart positions the source at the window start, discarding frames
// when the source cannot seek.
func (c *Cursor) seekToStart(ctx context.Context) bool {
	if c.window.StartSec <= 0 {
		return true
	}
	err := c.src.SeekSec(c.window.StartSec)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrSeekUnsupported) {
		return c.fail(&charuco.SourceUnavailableError{Source: "seek", Err: err})
	}
	for c.src.PositionSec() < c.window.StartSec {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		if _, err := c.src.Read(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return c.finish()
			}
			return c.fail(&charuco.SourceUnavailableError{Source: "read", Err: err})
		}
	}
	return true
}

// Next advances to the next sampled frame.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.done {
		return false
	}
	if !c.started {
		c.started = true
		if c.window.empty() {
			return c.finish()
		}
		if !c.seekToStart(ctx) {
			return false
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		ts := c.src.PositionSec()
		if c.window.EndSec != nil && ts > *c.window.EndSec {
			return c.finish()
		}
		img, err := c.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c.finish()
			}
			return c.fail(&charuco.SourceUnavailableError{Source: "read", Err: err})
		}
		n := c.counter
		c.counter++
		if n%c.window.Stride != 0 {
			continue
		}
		c.frame = Frame{Index: c.index, SourceIndex: n, TimestampSec: ts, Image: img}
		c.index++
		return true
	}
}

// FrameSink receives sampled frames.
type FrameSink interface {
	WriteFrame(name string, img image.Image) error
}

// FrameName is the file name of the index-th frame: <prefix>_0001.png.
func FrameName(prefix string, index int) string {
	return fmt.Sprintf("%s_%04d.png", prefix, index)
}

// Extract drains the cursor into sink and returns how many frames were
// written.
func Extract(ctx context.Context, c *Cursor, sink FrameSink, logger logging.Logger) (int, error) {
	saved := 0
	for c.Next(ctx) {
		f := c.Frame()
		name := FrameName(c.window.Prefix, f.Index)
		if err := sink.WriteFrame(name, f.Image); err != nil {
			return saved, fmt.Errorf("failed to write %s: %w", name, err)
		}
		saved++
		logger.Debugf("saved %s (source frame %d at %.3fs)", name, f.SourceIndex, f.TimestampSec)
	}
	if err := c.Err(); err != nil {
		return saved, err
	}
	logger.Infof("extracted %d frames", saved)
	return saved, nil
}
