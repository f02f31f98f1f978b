package solvers

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"

	"github.com/giri3105/calibration/utils"
)

// points closer than this to the camera plane are projected as if they sat
// on it, keeping residuals finite while the optimiser explores bad poses
const minDepth = 1e-9

// ProjectPoints runs board points through the board-to-camera transform, the
// lens distortion model and the intrinsic projection, in that order.
func ProjectPoints(points []r3.Vector, rvec, tvec r3.Vector, k *transform.PinholeCameraIntrinsics, bc *transform.BrownConrady) []r2.Point {
	out := make([]r2.Point, len(points))
	if len(points) == 0 {
		return out
	}
	pose := utils.PoseFromRotationVector(rvec, tvec)
	for i, p := range points {
		c := utils.TransformPointToCameraFrame(pose, p)
		z := c.Z
		if math.Abs(z) < minDepth {
			z = math.Copysign(minDepth, z)
		}
		x, y := c.X/z, c.Y/z
		if bc != nil {
			x, y = bc.Transform(x, y)
		}
		out[i] = r2.Point{X: k.Fx*x + k.Ppx, Y: k.Fy*y + k.Ppy}
	}
	return out
}

// ReprojectionError returns the root mean square pixel distance between the
// observed points and the projection of their board positions.
func ReprojectionError(view View, rvec, tvec r3.Vector, k *transform.PinholeCameraIntrinsics, bc *transform.BrownConrady) float64 {
	if len(view.Image) == 0 {
		return 0
	}
	projected := ProjectPoints(view.Object, rvec, tvec, k, bc)
	var sum float64
	for i, p := range projected {
		d := p.Sub(view.Image[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(projected)))
}
