// Package driver はハードウェア能力ハンドルを所有するドライバを提供する。
//
// センサーとカメラのドライバは専用の goroutine で能力をポーリングし、
// 単調増加するシーケンス番号付きで最新のサンプルを公開する。
package driver

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rione/carbot/latest"
	"github.com/Rione/carbot/metrics"
	"github.com/Rione/carbot/runloop"
)

// PollConfig は赤外線・超音波センサーのポーリング設定
type PollConfig struct {
	Hz        float64
	TimeLimit time.Duration // 停止時に goroutine の終了を待つ上限
}

// DefaultPollConfig は 2Hz の設定を返す
func DefaultPollConfig() PollConfig {
	return PollConfig{Hz: 2, TimeLimit: 2 * time.Second}
}

const defaultPollInterval = 500 * time.Millisecond

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option はドライバの設定
type Option func(*options)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(name string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", name)
	return o
}

// poller はポーリング型ドライバ共通の状態。
// seq はポーリング goroutine だけが進め、store への書き込みはその mutex の下で行われる。
type poller[S any] struct {
	name      string
	worker    *runloop.Worker
	timeLimit time.Duration
	closer    io.Closer
	closed    atomic.Bool

	// life は Stop で終了し、WaitNext の待機も解除する
	life       context.Context
	lifeCancel context.CancelFunc

	store latest.Store[S]

	opts     options
	errLimit *rate.Limiter
}

func newPoller[S any](name string, closer io.Closer, timeLimit time.Duration, opts []Option) *poller[S] {
	life, cancel := context.WithCancel(context.Background())
	return &poller[S]{
		name:       name,
		worker:     runloop.NewWorker(name),
		timeLimit:  timeLimit,
		closer:     closer,
		life:       life,
		lifeCancel: cancel,
		opts:       buildOptions(name, opts),
		errLimit:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (p *poller[S]) start(loop func(ctx context.Context)) error {
	if err := p.worker.Start(loop); err != nil {
		return err
	}
	p.opts.logger.Debug("polling started")
	return nil
}

// stop は goroutine を止め、能力ハンドルをちょうど一度だけ閉じる
func (p *poller[S]) stop() error {
	p.lifeCancel()
	if !p.worker.Stop(p.timeLimit) {
		p.opts.logger.Warn("polling goroutine did not exit in time", "time_limit", p.timeLimit)
	}

	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.opts.logger.Debug("closing controller")
	return p.closer.Close()
}

func (p *poller[S]) publish(s S, seq uint64) {
	p.store.Set(s, int64(seq))
	p.opts.metrics.Sample(p.name)
}

func (p *poller[S]) readFailed(err error) {
	p.opts.metrics.ReadError(p.name)
	if p.errLimit.Allow() {
		p.opts.logger.Warn("read failed", "error", err)
	}
}

func (p *poller[S]) latest() (S, uint64, bool) {
	s, seq, ok := p.store.Get()
	return s, uint64(seq), ok
}

// waitNext は lastSeq より新しいサンプルを待つ。タイムアウトや停止時は現在の最新値を返す。
func (p *poller[S]) waitNext(ctx context.Context, lastSeq uint64, timeout time.Duration) (S, uint64, bool) {
	ctx, cancel := context.WithCancel(ctx)
	unregister := context.AfterFunc(p.life, cancel)
	defer func() {
		unregister()
		cancel()
	}()

	deadline := time.Now().Add(timeout)
	cur := int64(lastSeq)
	for {
		s, seq, ok := p.store.WaitNewer(ctx, cur, time.Until(deadline))
		if !ok {
			return p.latest()
		}
		if uint64(seq) > lastSeq {
			return s, uint64(seq), true
		}
		cur = seq
	}
}
