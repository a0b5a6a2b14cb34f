// Package runloop は各ドライバ・パイプラインが共有するバックグラウンド goroutine の
// ライフサイクル (未起動 → 動作中 → 停止済み) と、ドリフト補正付きの周期実行を提供する。
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted は二重起動時に返される
	ErrAlreadyStarted = errors.New("already started")
	// ErrClosed は停止済みの Worker を起動しようとした時に返される
	ErrClosed = errors.New("closed")
)

// Worker はちょうど一つのバックグラウンド goroutine を所有する。
// 一度停止した Worker は再起動できない。
type Worker struct {
	name string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewWorker は未起動の Worker を返す
func NewWorker(name string) *Worker {
	return &Worker{name: name}
}

// Name は Worker の名前を返す
func (w *Worker) Name() string {
	return w.name
}

// Start は fn を専用 goroutine で実行する。fn は ctx が終了したら戻らなければならない。
func (w *Worker) Start(fn func(ctx context.Context)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("%s: %w", w.name, ErrClosed)
	}
	if w.done != nil {
		return fmt.Errorf("%s: %w", w.name, ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		fn(ctx)
	}()
	return nil
}

// Stop は goroutine に停止を通知し、最大 limit まで終了を待つ。
// limit 内に終了した (または起動していなかった) 場合 true を返す。
// 二回目以降の呼び出しは何もせず true を返す。
func (w *Worker) Stop(limit time.Duration) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	w.closed = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Alive は goroutine が実行中かどうかを返す
func (w *Worker) Alive() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Started は Start が成功したか Stop が呼ばれたかを返す
func (w *Worker) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil || w.closed
}

// Closed は Stop が呼ばれたかどうかを返す
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
