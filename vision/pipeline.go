package vision

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/time/rate"

	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/latest"
	"github.com/Rione/carbot/runloop"
)

// FrameSource は最新のカメラフレームを返す。driver.CameraDriver が満たす
type FrameSource interface {
	LatestFrame() (hardware.Frame, bool)
}

// Pipeline はカメラの最新フレームに Transform をかけ、結果を Store に置く (1 段目)
type Pipeline struct {
	src       FrameSource
	transform Transform
	store     *latest.Store[image.Image]
	worker    *runloop.Worker
	opts      options
	errLimit  *rate.Limiter
}

// NewPipeline は未起動の Pipeline を返す。transform が nil なら Identity を使う
func NewPipeline(src FrameSource, transform Transform, opts ...Option) *Pipeline {
	if transform == nil {
		transform = Identity
	}
	return &Pipeline{
		src:       src,
		transform: transform,
		store:     latest.New[image.Image](),
		worker:    runloop.NewWorker("pipeline"),
		opts:      buildOptions("pipeline", opts),
		errLimit:  rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Store は加工済みフレームの Store を返す。タイムスタンプは元のフレームのもの
func (p *Pipeline) Store() *latest.Store[image.Image] { return p.store }

func (p *Pipeline) Start() error { return p.worker.Start(p.loop) }

// Close は goroutine を止める。二回目以降は何もしない
func (p *Pipeline) Close() error {
	if !p.worker.Stop(stopTimeLimit) {
		p.opts.logger.Warn("pipeline goroutine did not exit in time")
	}
	return nil
}

func (p *Pipeline) loop(ctx context.Context) {
	var lastTS int64
	var seen bool

	for ctx.Err() == nil {
		f, ok := p.src.LatestFrame()
		if !ok || f.Image == nil || (seen && f.Timestamp == lastTS) {
			if !runloop.Sleep(ctx, p.opts.idleSleep) {
				return
			}
			continue
		}

		out, err := p.apply(f.Image)
		if err != nil {
			p.opts.metrics.Frame("pipeline", "error")
			if p.errLimit.Allow() {
				p.opts.logger.Warn("transform failed", "error", err)
			}
			if !runloop.Sleep(ctx, p.opts.idleSleep) {
				return
			}
			continue
		}

		lastTS, seen = f.Timestamp, true
		p.store.Set(out, f.Timestamp)
		p.opts.metrics.Frame("pipeline", "ok")
	}
}

// apply は Transform の panic をエラーにする
func (p *Pipeline) apply(img image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	out, err = p.transform(img)
	if err == nil && out == nil {
		err = fmt.Errorf("transform returned no image")
	}
	return out, err
}
