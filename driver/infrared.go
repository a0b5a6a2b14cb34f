package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/Rione/carbot/hardware"
	"github.com/Rione/carbot/runloop"
)

// InfraredSample は赤外線センサー 1 回分の読み取り結果
type InfraredSample struct {
	Left   int
	Middle int
	Right  int
	Bits   int // left<<2 | middle<<1 | right
	Seq    uint64
}

// InfraredDriver は赤外線センサーを一定周期でポーリングする
type InfraredDriver struct {
	ctl hardware.InfraredController
	cfg PollConfig
	p   *poller[InfraredSample]
}

// NewInfraredDriver は未起動のドライバを返す。ctl の所有権はドライバに移る。
func NewInfraredDriver(ctl hardware.InfraredController, cfg PollConfig, opts ...Option) *InfraredDriver {
	return &InfraredDriver{
		ctl: ctl,
		cfg: cfg,
		p:   newPoller[InfraredSample]("infrared", ctl, cfg.TimeLimit, opts),
	}
}

// Config は設定を返す
func (d *InfraredDriver) Config() PollConfig { return d.cfg }

// Start はポーリングを開始する。起動済み・停止済みの場合はエラー
func (d *InfraredDriver) Start() error {
	return d.p.start(d.loop)
}

// Stop はポーリングを止めてコントローラを閉じる。何度呼んでもよい
func (d *InfraredDriver) Stop() error { return d.p.stop() }

// Close は Stop と同じ
func (d *InfraredDriver) Close() error { return d.p.stop() }

// Latest は最新のサンプルを返す
func (d *InfraredDriver) Latest() (InfraredSample, bool) {
	s, _, ok := d.p.latest()
	return s, ok
}

// WaitNext は Seq が lastSeq より大きいサンプルを待つ。
// タイムアウト・停止時はその時点の最新値を返す (Seq は lastSeq 以下のことがある)。
func (d *InfraredDriver) WaitNext(ctx context.Context, lastSeq uint64, timeout time.Duration) (InfraredSample, bool) {
	s, _, ok := d.p.waitNext(ctx, lastSeq, timeout)
	return s, ok
}

func (d *InfraredDriver) loop(ctx context.Context) {
	pacer := runloop.NewPacer(runloop.IntervalFromHz(d.cfg.Hz, defaultPollInterval), 0)

	var seq uint64
	for ctx.Err() == nil {
		if s, err := d.read(); err != nil {
			d.p.readFailed(err)
		} else {
			seq++
			s.Seq = seq
			d.p.publish(s, seq)
		}

		if !pacer.Wait(ctx) {
			return
		}
	}
}

func (d *InfraredDriver) read() (InfraredSample, error) {
	r, err := d.ctl.ReadChannel(hardware.Right)
	if err != nil {
		return InfraredSample{}, fmt.Errorf("read right: %w", err)
	}
	m, err := d.ctl.ReadChannel(hardware.Middle)
	if err != nil {
		return InfraredSample{}, fmt.Errorf("read middle: %w", err)
	}
	l, err := d.ctl.ReadChannel(hardware.Left)
	if err != nil {
		return InfraredSample{}, fmt.Errorf("read left: %w", err)
	}

	return InfraredSample{
		Left:   l,
		Middle: m,
		Right:  r,
		Bits:   l<<2 | m<<1 | r,
	}, nil
}
