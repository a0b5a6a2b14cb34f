//go:build gocv

// Package gocvcam は OpenCV の VideoCapture でカメラを読む。
// OpenCV が必要なため、gocv ビルドタグを付けた時だけビルドされる。
package gocvcam

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/Rione/carbot/hardware"
)

var epoch = time.Now()

// Camera は VideoCapture のラッパー。TryReadFrame は 1 つの goroutine からだけ呼ぶこと
type Camera struct {
	webcam *gocv.VideoCapture
	img    gocv.Mat
	once   sync.Once
}

// Open はカメラを開き、解像度とフレームレートを設定する
func Open(deviceIdx, width, height, fps int) (*Camera, error) {
	webcam, err := gocv.OpenVideoCapture(deviceIdx)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", deviceIdx, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("video capture %d: %w", deviceIdx, hardware.ErrNoDevice)
	}
	if width > 0 && height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		webcam.Set(gocv.VideoCaptureFPS, float64(fps))
	}
	return &Camera{webcam: webcam, img: gocv.NewMat()}, nil
}

// TryReadFrame は 1 フレーム読み、RGBA の画像にする
func (c *Camera) TryReadFrame() (hardware.Frame, bool) {
	if ok := c.webcam.Read(&c.img); !ok || c.img.Empty() {
		return hardware.Frame{}, false
	}
	img, err := c.img.ToImage()
	if err != nil {
		return hardware.Frame{}, false
	}
	return hardware.Frame{Image: img, Timestamp: time.Since(epoch).Nanoseconds()}, true
}

func (c *Camera) Close() error {
	var err error
	c.once.Do(func() {
		c.img.Close()
		err = c.webcam.Close()
	})
	return err
}
