//go:build gocv

package gocvcam

import (
	"bytes"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/Rione/carbot/vision"
)

// EncodeJPEG は OpenCV の imencode で JPEG にする
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("imencode: %w", err)
	}
	defer buf.Close()
	// buf の中身は Close で解放される
	return bytes.Clone(buf.GetBytes()), nil
}

// GrayBottomQuarter は vision.GrayBottomQuarter と同じ加工を OpenCV で行う
func GrayBottomQuarter(img image.Image) (image.Image, error) {
	cropped, err := vision.CropBottomQuarter(img)
	if err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(cropped)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBToGray)
	return gray.ToImage()
}
