package solvers

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"go.viam.com/rdk/rimage/transform"
)

// NumDistortionCoefficients is the length of the distortion vector, ordered
// k1, k2, p1, p2, k3.
const NumDistortionCoefficients = 5

// undistortIterations matches the fixed-point iteration count of the usual
// point undistortion routine
const undistortIterations = 5

// BrownConrady converts a k1, k2, p1, p2, k3 vector into rdk's distortion
// model. Shorter vectors are zero padded.
func BrownConrady(dist []float64) (*transform.BrownConrady, error) {
	if len(dist) > NumDistortionCoefficients {
		return nil, fmt.Errorf("expected at most %d distortion coefficients, got %d", NumDistortionCoefficients, len(dist))
	}
	var d [NumDistortionCoefficients]float64
	copy(d[:], dist)
	return &transform.BrownConrady{
		RadialK1:     d[0],
		RadialK2:     d[1],
		TangentialP1: d[2],
		TangentialP2: d[3],
		RadialK3:     d[4],
	}, nil
}

// DistortionVector is the inverse of BrownConrady.
func DistortionVector(bc *transform.BrownConrady) []float64 {
	if bc == nil {
		return make([]float64, NumDistortionCoefficients)
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2, bc.RadialK3}
}

// UndistortPoint maps a distorted pixel to ideal normalized image coordinates.
func UndistortPoint(p r2.Point, k *transform.PinholeCameraIntrinsics, bc *transform.BrownConrady) r2.Point {
	x0 := (p.X - k.Ppx) / k.Fx
	y0 := (p.Y - k.Ppy) / k.Fy
	if bc == nil {
		return r2.Point{X: x0, Y: y0}
	}
	x, y := x0, y0
	for i := 0; i < undistortIterations; i++ {
		rsq := x*x + y*y
		radial := 1 + bc.RadialK1*rsq + bc.RadialK2*rsq*rsq + bc.RadialK3*rsq*rsq*rsq
		if radial == 0 || math.IsNaN(radial) {
			break
		}
		dx := 2*bc.TangentialP1*x*y + bc.TangentialP2*(rsq+2*x*x)
		dy := bc.TangentialP1*(rsq+2*y*y) + 2*bc.TangentialP2*x*y
		x = (x0 - dx) / radial
		y = (y0 - dy) / radial
	}
	return r2.Point{X: x, Y: y}
}
