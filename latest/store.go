// Package latest は「最新の値をひとつだけ」保持するスレッドセーフなスロットを提供する。
//
// 書き込みは常に上書きで、キューイングはしない。遅い読み手は途中の値を取りこぼすが、
// 必要なのは最新の値だけである。
package latest

import (
	"context"
	"sync"
	"time"
)

// Store は値とタイムスタンプの組を保持する。ゼロ値のまま使用できる。
type Store[T any] struct {
	mu      sync.Mutex
	value   T
	ok      bool
	ts      int64
	changed chan struct{} // Set のたびに close して作り直す
}

// New は空の Store を返す
func New[T any]() *Store[T] {
	return &Store[T]{}
}

// Set はスロットを上書きし、待機中の読み手をすべて起こす
func (s *Store[T]) Set(v T, ts int64) {
	s.mu.Lock()
	s.value = v
	s.ok = true
	s.ts = ts
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
	s.mu.Unlock()
}

// Get はブロックせずに現在の値を返す。値がまだ無ければ ok は false
func (s *Store[T]) Get() (v T, ts int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.ts, s.ok
}

// WaitNewer は last と異なるタイムスタンプの値が現れるまで待つ。
// ctx の終了かタイムアウトが先に来た場合は (ゼロ値, last, false) を返す。
func (s *Store[T]) WaitNewer(ctx context.Context, last int64, timeout time.Duration) (T, int64, bool) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return zero, last, false
		}

		s.mu.Lock()
		if s.ok && s.ts != last {
			v, ts := s.value, s.ts
			s.mu.Unlock()
			return v, ts, true
		}
		if s.changed == nil {
			s.changed = make(chan struct{})
		}
		ch := s.changed
		s.mu.Unlock()

		// 起床後は必ず条件を再確認する
		select {
		case <-ch:
		case <-ctx.Done():
			return zero, last, false
		case <-timer.C:
			return zero, last, false
		}
	}
}
