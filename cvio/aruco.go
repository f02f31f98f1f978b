package cvio

import (
	"image"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/detection"
)

// subpixel refinement window, in pixels each side of the corner
const refineWindow = 5

// ArucoDetector detects a ChArUco board: OpenCV finds and decodes the
// markers, the corners are interpolated from them and then refined on the
// image gradient.
type ArucoDetector struct {
	mu         sync.Mutex
	board      *board.Model
	detector   gocv.ArucoDetector
	minMarkers int
	refine     bool
}

func NewArucoDetector(b *board.Model, refine bool) (*ArucoDetector, error) {
	if b == nil {
		return nil, errors.New("nil board")
	}
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDictionaryCode(b.Dictionary()))
	params := gocv.NewArucoDetectorParameters()
	return &ArucoDetector{
		board:      b,
		detector:   gocv.NewArucoDetectorWithParams(dict, params),
		minMarkers: detection.DefaultMinMarkers,
		refine:     refine,
	}, nil
}

func (d *ArucoDetector) DetectBoard(gray *image.Gray) (detection.Result, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return detection.Result{}, errors.Wrap(err, "converting frame")
	}
	defer mat.Close()

	d.mu.Lock()
	corners, ids, _ := d.detector.DetectMarkers(mat)
	d.mu.Unlock()

	markerIDs, quads := markerQuads(corners, ids)
	res, err := detection.InterpolateCorners(d.board, markerIDs, quads, d.minMarkers)
	if err != nil {
		return detection.Result{}, err
	}
	if d.refine && res.Count() > 0 {
		res.Corners = refineCorners(mat, res.Corners)
	}
	return res, nil
}

func (d *ArucoDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

// markerQuads keeps the detections with exactly four corners.
func markerQuads(corners [][]gocv.Point2f, ids []int) ([]int, [][4]r2.Point) {
	var outIDs []int
	var quads [][4]r2.Point
	for i, c := range corners {
		if i >= len(ids) || len(c) != 4 {
			continue
		}
		var q [4]r2.Point
		for k, p := range c {
			q[k] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
		}
		outIDs = append(outIDs, ids[i])
		quads = append(quads, q)
	}
	return outIDs, quads
}

func refineCorners(gray gocv.Mat, corners []r2.Point) []r2.Point {
	pts := gocv.NewMatWithSize(len(corners), 2, gocv.MatTypeCV32F)
	defer pts.Close()
	for i, c := range corners {
		pts.SetFloatAt(i, 0, float32(c.X))
		pts.SetFloatAt(i, 1, float32(c.Y))
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.01)
	gocv.CornerSubPix(gray, &pts, image.Pt(refineWindow, refineWindow), image.Pt(-1, -1), criteria)

	out := make([]r2.Point, len(corners))
	for i := range out {
		out[i] = r2.Point{X: float64(pts.GetFloatAt(i, 0)), Y: float64(pts.GetFloatAt(i, 1))}
	}
	return out
}
