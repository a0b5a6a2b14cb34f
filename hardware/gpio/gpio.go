// Package gpio は Raspberry Pi の GPIO に直接つながったセンサーと LED を扱う。
//
// /dev/gpiomem のマッピングは参照カウントで共有し、最後のハンドルが閉じた時に解放する。
package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

var (
	openMu   sync.Mutex
	openRefs int

	// テストで差し替える
	rpioOpen  = rpio.Open
	rpioClose = rpio.Close
)

func acquire() error {
	openMu.Lock()
	defer openMu.Unlock()
	if openRefs == 0 {
		if err := rpioOpen(); err != nil {
			return fmt.Errorf("open gpio: %w", err)
		}
	}
	openRefs++
	return nil
}

func release() error {
	openMu.Lock()
	defer openMu.Unlock()
	if openRefs == 0 {
		return nil
	}
	openRefs--
	if openRefs == 0 {
		return rpioClose()
	}
	return nil
}

type inputPin interface {
	Read() rpio.State
}

type outputPin interface {
	Write(state rpio.State)
}

// handle は acquire したマッピングを一度だけ release する
type handle struct {
	once sync.Once
}

func (h *handle) close() error {
	var err error
	h.once.Do(func() { err = release() })
	return err
}
