// Package vision はカメラのフレームを加工し、JPEG にエンコードして MJPEG で配信する。
//
// 3 段構成で、段と段の間は latest.Store でつなぐ。
// 遅い段は古いフレームを捨てるだけで、上流を待たせることはない。
package vision

import (
	"fmt"
	"image"
	"image/draw"
	"sort"
	"sync"
)

// Transform はフレームを加工する。入力画像は書き換えてはならない。
type Transform func(img image.Image) (image.Image, error)

// Identity は何もしない
func Identity(img image.Image) (image.Image, error) {
	return img, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// CropBottomQuarter は上から 1/4 を切り落とし、下 3/4 を返す
func CropBottomQuarter(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("crop: empty image")
	}
	r := image.Rect(b.Min.X, b.Min.Y+b.Dy()/4, b.Max.X, b.Max.Y)

	if si, ok := img.(subImager); ok {
		return si.SubImage(r), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// GrayBottomQuarter は CropBottomQuarter の結果をグレースケールにする
func GrayBottomQuarter(img image.Image) (image.Image, error) {
	cropped, err := CropBottomQuarter(img)
	if err != nil {
		return nil, err
	}
	r := cropped.Bounds()
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), cropped, r.Min, draw.Src)
	return dst, nil
}

var (
	transformsMu sync.RWMutex
	transforms   = map[string]Transform{
		"identity":            Identity,
		"crop_bottom_quarter": CropBottomQuarter,
		"gray_bottom_quarter": GrayBottomQuarter,
	}
)

// RegisterTransform は名前に Transform を登録する。同じ名前は上書きする
func RegisterTransform(name string, t Transform) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[name] = t
}

// TransformByName は設定ファイルに書く名前から Transform を返す
func TransformByName(name string) (Transform, error) {
	transformsMu.RLock()
	t, ok := transforms[name]
	transformsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (available: %v)", name, TransformNames())
	}
	return t, nil
}

// TransformNames は登録されている名前を返す
func TransformNames() []string {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	names := make([]string, 0, len(transforms))
	for n := range transforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
