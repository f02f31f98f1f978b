// Package detection turns detected ArUco markers into ChArUco corners.
package detection

import (
	"fmt"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/giri3105/calibration/board"
	"github.com/giri3105/calibration/utils"
)

// DefaultMinMarkers is how many of a corner's neighbouring markers must be
// seen before the corner is interpolated.
const DefaultMinMarkers = 2

// Result is the outcome of running board detection on one image. Corner ids
// are unique and sorted ascending, with Corners[i] the pixel of CornerIDs[i].
type Result struct {
	CornerIDs     []int
	Corners       []r2.Point
	MarkerIDs     []int
	MarkerCorners [][4]r2.Point
}

// Count is the number of ChArUco corners found.
func (r Result) Count() int {
	return len(r.CornerIDs)
}

// InterpolateCorners estimates ChArUco corner pixels from marker detections.
// Each corner is mapped through a homography fitted to the quads of its
// adjacent markers, so only corners with at least minMarkers of those
// markers visible are returned. Marker ids that are not on the board are
// ignored.
func InterpolateCorners(b *board.Model, markerIDs []int, markerCorners [][4]r2.Point, minMarkers int) (Result, error) {
	if len(markerIDs) != len(markerCorners) {
		return Result{}, fmt.Errorf("got %d marker ids but %d marker quads", len(markerIDs), len(markerCorners))
	}
	if minMarkers < 1 {
		minMarkers = 1
	}
	if minMarkers > 2 {
		minMarkers = 2
	}

	res := Result{}
	seen := make(map[int][4]r2.Point, len(markerIDs))
	for i, id := range markerIDs {
		if _, ok := b.Marker(id); !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = markerCorners[i]
		res.MarkerIDs = append(res.MarkerIDs, id)
		res.MarkerCorners = append(res.MarkerCorners, markerCorners[i])
	}
	if len(seen) == 0 {
		return res, nil
	}

	for id := 0; id < b.NumCorners(); id++ {
		var src, dst []r2.Point
		for _, marker := range b.CornerNeighbourMarkers(id) {
			pixels, ok := seen[marker]
			if !ok {
				continue
			}
			quad, _ := b.Marker(marker)
			for k := 0; k < 4; k++ {
				src = append(src, r2.Point{X: quad[k].X, Y: quad[k].Y})
				dst = append(dst, pixels[k])
			}
		}
		if len(src) < minMarkers*4 {
			continue
		}
		h, err := utils.EstimateHomography(src, dst)
		if err != nil {
			continue
		}
		corner, _ := b.Corner(id)
		p, ok := utils.ApplyHomography(h, r2.Point{X: corner.X, Y: corner.Y})
		if !ok {
			continue
		}
		res.CornerIDs = append(res.CornerIDs, id)
		res.Corners = append(res.Corners, p)
	}
	return res, nil
}

// SortByCornerID orders the corners of r by id, dropping duplicates after
// the first occurrence.
func SortByCornerID(r Result) Result {
	idx := make([]int, len(r.CornerIDs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return r.CornerIDs[idx[a]] < r.CornerIDs[idx[b]]
	})
	out := Result{MarkerIDs: r.MarkerIDs, MarkerCorners: r.MarkerCorners}
	for _, i := range idx {
		id := r.CornerIDs[i]
		if n := len(out.CornerIDs); n > 0 && out.CornerIDs[n-1] == id {
			continue
		}
		out.CornerIDs = append(out.CornerIDs, id)
		out.Corners = append(out.Corners, r.Corners[i])
	}
	return out
}
