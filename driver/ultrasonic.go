package driver

import (
	"context"
	"time"

	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/runloop"
)

// 読み取り失敗後に待つ時間
const ultrasonicBackoff = 50 * time.Millisecond

// UltrasonicSample は超音波センサー 1 回分の測定値
type UltrasonicSample struct {
	DistanceCM float64
	Seq        uint64
}

// UltrasonicDriver は超音波センサーを一定周期でポーリングする。
// 読み取りの失敗は周期ごとに握りつぶし、少し待ってから再開する。
type UltrasonicDriver struct {
	ctl hardware.UltrasonicController
	cfg PollConfig
	p   *poller[UltrasonicSample]
}

// NewUltrasonicDriver は未起動のドライバを返す。ctl の所有権はドライバに移る。
func NewUltrasonicDriver(ctl hardware.UltrasonicController, cfg PollConfig, opts ...Option) *UltrasonicDriver {
	return &UltrasonicDriver{
		ctl: ctl,
		cfg: cfg,
		p:   newPoller[UltrasonicSample]("ultrasonic", ctl, cfg.TimeLimit, opts),
	}
}

func (d *UltrasonicDriver) Config() PollConfig { return d.cfg }

func (d *UltrasonicDriver) Start() error { return d.p.start(d.loop) }

func (d *UltrasonicDriver) Stop() error { return d.p.stop() }

func (d *UltrasonicDriver) Close() error { return d.p.stop() }

func (d *UltrasonicDriver) Latest() (UltrasonicSample, bool) {
	s, _, ok := d.p.latest()
	return s, ok
}

// WaitNext は Seq が lastSeq より大きい測定値を待つ。
// タイムアウト・停止時はその時点の最新値を返す。
func (d *UltrasonicDriver) WaitNext(ctx context.Context, lastSeq uint64, timeout time.Duration) (UltrasonicSample, bool) {
	s, _, ok := d.p.waitNext(ctx, lastSeq, timeout)
	return s, ok
}

func (d *UltrasonicDriver) loop(ctx context.Context) {
	pacer := runloop.NewPacer(runloop.IntervalFromHz(d.cfg.Hz, defaultPollInterval), 0)

	var seq uint64
	for ctx.Err() == nil {
		dist, err := d.ctl.ReadDistance()
		if err != nil {
			d.p.readFailed(err)
			if !runloop.Sleep(ctx, ultrasonicBackoff) {
				return
			}
			pacer.Reset()
			continue
		}

		seq++
		d.p.publish(UltrasonicSample{DistanceCM: dist, Seq: seq}, seq)

		if !pacer.Wait(ctx) {
			return
		}
	}
}
