//go:build gocv

package main

import (
	"github.com/Rione/carbot/app"
	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/hardware/gocvcam"
	"github.com/Rione/carbot/vision"
)

func init() {
	app.RegisterCamera("gocv", func(spec app.CameraSpec) (hardware.CameraController, error) {
		cam, err := gocvcam.Open(spec.DeviceIdx, spec.Width, spec.Height, spec.FPS)
		if err != nil {
			return nil, err
		}
		return cam, nil
	})
	app.RegisterJPEGEncoder(gocvcam.EncodeJPEG)
	vision.RegisterTransform("gray_bottom_quarter", gocvcam.GrayBottomQuarter)
}
