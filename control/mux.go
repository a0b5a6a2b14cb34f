package control

import (
	"slices"
	"time"

	"github.com/Rione/carbot/metrics"
)

// Entry は Mux に登録する入力源。起動時に一度だけ作り、以後変更しない。
type Entry[T any] struct {
	Source   Source[T]
	MaxAge   time.Duration // これより古いコマンドは無視する
	Priority int           // 小さいほど優先
	Name     string
}

type muxOptions struct {
	name    string
	now     func() time.Time
	metrics *metrics.Metrics
}

// MuxOption は Mux の設定
type MuxOption func(*muxOptions)

// WithMuxName はメトリクス用の名前を設定する
func WithMuxName(name string) MuxOption {
	return func(o *muxOptions) { o.name = name }
}

// WithClock は現在時刻の取得方法を差し替える
func WithClock(now func() time.Time) MuxOption {
	return func(o *muxOptions) { o.now = now }
}

// WithMuxMetrics は選択結果をメトリクスに記録する
func WithMuxMetrics(m *metrics.Metrics) MuxOption {
	return func(o *muxOptions) { o.metrics = m }
}

// Mux は優先度順に入力源を調べ、最初に見つかった新鮮なコマンドを選ぶ。
// 高優先度の入力源が古くなれば低優先度の入力源に切り替わり (デッドマン/フェイルオーバー)、
// すべて古ければ何も返さない。
type Mux[T any] struct {
	entries []Entry[T]
	opts    muxOptions
}

// NewMux は entries を優先度の昇順に (同順位は登録順に) 並べた Mux を返す
func NewMux[T any](entries []Entry[T], opts ...MuxOption) *Mux[T] {
	o := muxOptions{name: "mux", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry[T]) int {
		return a.Priority - b.Priority
	})

	return &Mux[T]{entries: sorted, opts: o}
}

// Entries は優先度順のエントリのコピーを返す
func (m *Mux[T]) Entries() []Entry[T] {
	return slices.Clone(m.entries)
}

// Pick は最も優先度の高い新鮮なコマンドを返す
func (m *Mux[T]) Pick() (T, bool) {
	v, _, ok := m.PickNamed()
	return v, ok
}

// PickNamed は Pick と同じだが、選ばれたエントリの名前も返す
func (m *Mux[T]) PickNamed() (T, string, bool) {
	now := m.opts.now()

	for _, e := range m.entries {
		v, ok := e.Source.Latest()
		if !ok {
			continue
		}

		s, stamped := any(v).(Stamped)
		if !stamped || now.Sub(s.Stamp()) <= e.MaxAge {
			m.opts.metrics.MuxPick(m.opts.name, e.Name)
			return v, e.Name, true
		}
	}

	m.opts.metrics.MuxPick(m.opts.name, "")
	var zero T
	return zero, "", false
}
