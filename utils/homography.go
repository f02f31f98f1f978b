package utils

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// MinHomographyPoints is the smallest number of correspondences a plane to
// plane homography can be fitted from.
const MinHomographyPoints = 4

var errDegeneratePoints = errors.New("points are degenerate (all coincident)")

// EstimateHomography fits H such that dst ~ H*src using the normalized direct
// linear transform. The result is scaled so H[2][2] == 1 when possible.
func EstimateHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("mismatched correspondences: %d source, %d destination", len(src), len(dst))
	}
	if len(src) < MinHomographyPoints {
		return nil, fmt.Errorf("need at least %d correspondences for a homography, have %d", MinHomographyPoints, len(src))
	}

	srcT, srcN, err := normalizePoints(src)
	if err != nil {
		return nil, fmt.Errorf("source %w", err)
	}
	dstT, dstN, err := normalizePoints(dst)
	if err != nil {
		return nil, fmt.Errorf("destination %w", err)
	}

	rows := 2 * len(src)
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := range srcN {
		x, y := srcN[i].X, srcN[i].Y
		u, v := dstN[i].X, dstN[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("homography SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var dstInv mat.Dense
	if err := dstInv.Inverse(dstT); err != nil {
		return nil, fmt.Errorf("normalization is singular: %w", err)
	}
	var h mat.Dense
	h.Product(&dstInv, hn, srcT)

	if s := h.At(2, 2); math.Abs(s) > 1e-15 {
		h.Scale(1/s, &h)
	}
	return &h, nil
}

// ApplyHomography maps p through h. ok is false when p maps to infinity.
func ApplyHomography(h mat.Matrix, p r2.Point) (r2.Point, bool) {
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	if math.Abs(w) < 1e-15 {
		return r2.Point{}, false
	}
	return r2.Point{
		X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / w,
		Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / w,
	}, true
}

// normalizePoints moves the centroid to the origin and scales the mean
// distance to sqrt(2).
func normalizePoints(pts []r2.Point) (*mat.Dense, []r2.Point, error) {
	xs := make(stats.Float64Data, len(pts))
	ys := make(stats.Float64Data, len(pts))
	for i, p := range pts {
		xs[i] = p.X
		ys[i] = p.Y
	}
	cx, err := stats.Mean(xs)
	if err != nil {
		return nil, nil, err
	}
	cy, err := stats.Mean(ys)
	if err != nil {
		return nil, nil, err
	}

	dists := make(stats.Float64Data, len(pts))
	for i, p := range pts {
		dists[i] = math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist, err := stats.Mean(dists)
	if err != nil {
		return nil, nil, err
	}
	if meanDist < 1e-12 {
		return nil, nil, errDegeneratePoints
	}

	s := math.Sqrt2 / meanDist
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	return t, out, nil
}
