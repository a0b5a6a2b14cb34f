package driver

import (
	"context"
	"time"

	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/runloop"
)

// CameraPolicy はカメラの取得ポリシー
type CameraPolicy struct {
	TimeLimit time.Duration
	Retries   int           // 1 周期あたりの再試行回数 (合計 Retries+1 回読む)
	IdleSleep time.Duration // すべて失敗した時に待つ時間
	MaxFPS    float64       // 0 なら取得できる限り連続で読む
}

// CameraDriver はカメラから連続してフレームを取得し、最新のフレームを公開する
type CameraDriver struct {
	ctl    hardware.CameraController
	policy CameraPolicy
	p      *poller[hardware.Frame]
}

// NewCameraDriver は未起動のドライバを返す。ctl の所有権はドライバに移る。
func NewCameraDriver(ctl hardware.CameraController, policy CameraPolicy, opts ...Option) *CameraDriver {
	return &CameraDriver{
		ctl:    ctl,
		policy: policy,
		p:      newPoller[hardware.Frame]("camera", ctl, policy.TimeLimit, opts),
	}
}

func (d *CameraDriver) Policy() CameraPolicy { return d.policy }

func (d *CameraDriver) Start() error { return d.p.start(d.loop) }

func (d *CameraDriver) Stop() error { return d.p.stop() }

func (d *CameraDriver) Close() error { return d.p.stop() }

// LatestFrame は最新のフレームを返す。フレームの画像は書き換えないこと
func (d *CameraDriver) LatestFrame() (hardware.Frame, bool) {
	f, _, ok := d.p.latest()
	return f, ok
}

// WaitNext は lastSeq より新しいフレームを待ち、フレームとシーケンス番号を返す
func (d *CameraDriver) WaitNext(ctx context.Context, lastSeq uint64, timeout time.Duration) (hardware.Frame, uint64, bool) {
	return d.p.waitNext(ctx, lastSeq, timeout)
}

func (d *CameraDriver) loop(ctx context.Context) {
	var pacer *runloop.Pacer
	if d.policy.MaxFPS > 0 {
		pacer = runloop.NewPacer(runloop.IntervalFromHz(d.policy.MaxFPS, 0), 0)
	}

	var seq uint64
	for ctx.Err() == nil {
		got := false
		for i := 0; i <= d.policy.Retries; i++ {
			if ctx.Err() != nil {
				return
			}
			if f, ok := d.ctl.TryReadFrame(); ok {
				seq++
				d.p.publish(f, seq)
				got = true
				break
			}
		}

		if !got {
			d.p.opts.metrics.ReadError(d.p.name)
			if !runloop.Sleep(ctx, d.policy.IdleSleep) {
				return
			}
			continue
		}

		if pacer != nil && !pacer.Wait(ctx) {
			return
		}
	}
}
