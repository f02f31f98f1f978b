package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// rotation vectors shorter than this are treated as the identity
const minRotationAngle = 1e-12

// Helper to convert spatialmath.Pose to a user-friendly map
func PoseToMap(pose spatialmath.Pose) map[string]interface{} {
	if pose == nil {
		return nil
	}
	pos := pose.Point()
	ori := pose.Orientation().Quaternion()
	rvec := RotationVectorFromPose(pose)
	return map[string]interface{}{
		"translation": map[string]float64{
			"x": pos.X,
			"y": pos.Y,
			"z": pos.Z,
		},
		"orientation": map[string]float64{
			"Imag": ori.Imag,
			"Jmag": ori.Jmag,
			"Kmag": ori.Kmag,
			"Real": ori.Real,
		},
		"rotation_vector": map[string]float64{
			"x": rvec.X,
			"y": rvec.Y,
			"z": rvec.Z,
		},
		"rotation_deg": RadiansToDegrees(rvec.Norm()),
	}
}

// RotationVectorToOrientation converts a Rodrigues rotation vector (axis scaled
// by angle in radians) into a spatialmath orientation.
func RotationVectorToOrientation(rvec r3.Vector) spatialmath.Orientation {
	if rvec.Norm() < minRotationAngle {
		return spatialmath.NewR4AA()
	}
	return spatialmath.R3ToR4(rvec)
}

// PoseFromRotationVector builds the board-to-camera pose from a rotation
// vector and translation.
func PoseFromRotationVector(rvec, tvec r3.Vector) spatialmath.Pose {
	return spatialmath.NewPose(tvec, RotationVectorToOrientation(rvec))
}

// RotationVectorFromPose is the inverse of PoseFromRotationVector for the
// rotation part.
func RotationVectorFromPose(pose spatialmath.Pose) r3.Vector {
	aa := pose.Orientation().AxisAngles()
	if aa == nil || math.IsNaN(aa.Theta) {
		return r3.Vector{}
	}
	return aa.ToR3()
}

// RotationMatrixToVector converts a row-major 3x3 rotation matrix into a
// rotation vector.
func RotationMatrixToVector(rows [9]float64) (r3.Vector, error) {
	// spatialmath reads the slice column by column
	cols := []float64{
		rows[0], rows[3], rows[6],
		rows[1], rows[4], rows[7],
		rows[2], rows[5], rows[8],
	}
	rm, err := spatialmath.NewRotationMatrix(cols)
	if err != nil {
		return r3.Vector{}, err
	}
	return rm.AxisAngles().ToR3(), nil
}

// TransformPointToCameraFrame maps a board point into the camera frame given
// the board pose relative to the camera.
func TransformPointToCameraFrame(boardPose spatialmath.Pose, boardPoint r3.Vector) r3.Vector {
	pointPose := spatialmath.NewPoseFromPoint(boardPoint)
	return spatialmath.Compose(boardPose, pointPose).Point()
}

func RadiansToDegrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}
