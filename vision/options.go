package vision

import (
	"image"
	"log/slog"
	"time"

	"github.com/Rione/carbot/latest"
	"github.com/Rione/carbot/metrics"
)

// 停止時に goroutine の終了を待つ上限
const stopTimeLimit = 2 * time.Second

const defaultIdleSleep = 5 * time.Millisecond

type options struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	idleSleep time.Duration
	frames    *latest.Store[image.Image]
	encode    JPEGEncoder
}

// Option は各段の設定
type Option func(*options)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIdleSleep は新しいフレームが無い時に待つ時間を設定する (Pipeline のみ)
func WithIdleSleep(d time.Duration) Option {
	return func(o *options) { o.idleSleep = d }
}

// WithFrameStore は加工済みフレームの Store を設定する (Server の LatestFrame 用)
func WithFrameStore(s *latest.Store[image.Image]) Option {
	return func(o *options) { o.frames = s }
}

// WithJPEGEncoder は JPEG エンコーダを差し替える (Encoder のみ)。nil なら EncodeJPEG
func WithJPEGEncoder(enc JPEGEncoder) Option {
	return func(o *options) { o.encode = enc }
}

func buildOptions(name string, opts []Option) options {
	o := options{idleSleep: defaultIdleSleep}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", name)
	if o.idleSleep <= 0 {
		o.idleSleep = defaultIdleSleep
	}
	if o.encode == nil {
		o.encode = EncodeJPEG
	}
	return o
}
