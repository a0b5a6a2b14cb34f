package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rione/carbot/latest"
	"github.com/Rione/carbot/runloop"
)

const (
	MinJPEGQuality = 10
	MaxJPEGQuality = 95

	encoderWait = 500 * time.Millisecond
)

// ClampQuality は JPEG 品質を [10, 95] に収める
func ClampQuality(q int) int {
	return max(MinJPEGQuality, min(q, MaxJPEGQuality))
}

// JPEGEncoder は画像を品質 quality の JPEG にする。返すバイト列は呼び出し側が所有する
type JPEGEncoder func(img image.Image, quality int) ([]byte, error)

// EncodeJPEG は image/jpeg でエンコードする。cgo 無しのビルドで使う
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder は加工済みフレームを JPEG にエンコードして Store に置く (2 段目)
type Encoder struct {
	in       *latest.Store[image.Image]
	out      *latest.Store[[]byte]
	quality  int
	worker   *runloop.Worker
	opts     options
	errLimit *rate.Limiter
}

// NewEncoder は in を読む未起動の Encoder を返す
func NewEncoder(in *latest.Store[image.Image], quality int, opts ...Option) *Encoder {
	return &Encoder{
		in:       in,
		out:      latest.New[[]byte](),
		quality:  ClampQuality(quality),
		worker:   runloop.NewWorker("encoder"),
		opts:     buildOptions("encoder", opts),
		errLimit: rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Store は JPEG の Store を返す。バイト列は書き換えないこと
func (e *Encoder) Store() *latest.Store[[]byte] { return e.out }

// Quality は丸めた後の品質
func (e *Encoder) Quality() int { return e.quality }

func (e *Encoder) Start() error { return e.worker.Start(e.loop) }

func (e *Encoder) Close() error {
	if !e.worker.Stop(stopTimeLimit) {
		e.opts.logger.Warn("encoder goroutine did not exit in time")
	}
	return nil
}

func (e *Encoder) loop(ctx context.Context) {
	var lastTS int64

	for ctx.Err() == nil {
		img, ts, ok := e.in.WaitNewer(ctx, lastTS, encoderWait)
		if !ok {
			continue
		}
		lastTS = ts

		// Store に置いたバイト列は読み手と共有するので毎回新しいものを置く
		jpg, err := e.opts.encode(img, e.quality)
		if err == nil && len(jpg) == 0 {
			err = errors.New("empty jpeg")
		}
		if err != nil {
			e.opts.metrics.Frame("encoder", "error")
			if e.errLimit.Allow() {
				e.opts.logger.Warn("jpeg encode failed", "error", err)
			}
			continue
		}

		e.out.Set(jpg, ts)
		e.opts.metrics.Frame("encoder", "ok")
		e.opts.metrics.JPEG(len(jpg))
	}
}
