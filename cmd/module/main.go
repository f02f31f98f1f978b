package main

import (
	"github.com/giri3105/calibration/models"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: models.CharucoCalibrator},
		resource.APIModel{API: camera.API, Model: models.BoardOverlay},
	)
}
