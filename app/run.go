package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/metrics"
	"github.com/Rione/carbot/status"
	"github.com/Rione/carbot/teleop"
)

// watch が teleop の状態を確認する最短の間隔
const watchInterval = 100 * time.Millisecond

type starter interface {
	Start() error
}

// Run はすべての goroutine を起動し、ctx が終わるか teleop から終了要求が来るまで制御を続ける。
// 終了要求と ctx の終了では nil を返す。コンポーネントの停止は Close で行う。
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.startComponents(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.setServing(status.ServiceControl, true)
		defer a.setServing(status.ServiceControl, false)
		if err := a.Loop.Run(gctx); err != nil {
			return fmt.Errorf("control loop: %w", err)
		}
		return nil
	})

	if a.Stream != nil {
		ln, err := net.Listen("tcp", a.Stream.Config().Addr())
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("listen stream %s: %w", a.Stream.Config().Addr(), err)
		}
		context.AfterFunc(gctx, func() { _ = a.Stream.Close() })
		g.Go(func() error {
			a.setServing(status.ServiceStream, true)
			defer a.setServing(status.ServiceStream, false)
			return a.Stream.Serve(ln)
		})
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveMetrics(gctx, srv, a) })
	}

	if a.Health != nil {
		addr := a.cfg.Status.HealthAddr
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("listen health %s: %w", addr, err)
		}
		context.AfterFunc(gctx, func() { _ = a.Health.Close() })
		g.Go(func() error { return a.Health.Serve(ln) })
	}

	if a.Publisher != nil {
		if err := a.Publisher.Start(); err != nil {
			a.logger.Warn("status publisher not started", "error", err)
		}
	}

	if a.LED != nil {
		g.Go(func() error { return a.LED.Run(gctx) })
	}

	g.Go(func() error {
		err := a.watch(gctx)
		// 終了要求でもすべてを止める
		cancel()
		return err
	})

	return g.Wait()
}

func (a *App) startComponents() error {
	ss := []struct {
		name string
		s    starter
		ok   bool
	}{
		{"infrared", a.Infrared, a.Infrared != nil},
		{"ultrasonic", a.Ultrasonic, a.Ultrasonic != nil},
		{"camera", a.Camera, a.Camera != nil},
		{"pipeline", a.Pipeline, a.Pipeline != nil},
		{"encoder", a.Encoder, a.Encoder != nil},
		{"teleop", a.Teleop, a.Teleop != nil},
	}
	for _, s := range ss {
		if !s.ok {
			continue
		}
		if err := s.s.Start(); err != nil {
			return fmt.Errorf("start %s: %w", s.name, err)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, srv *http.Server, a *App) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", srv.Addr, err)
	}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	a.logger.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func (a *App) setServing(service string, serving bool) {
	if a.Health != nil {
		a.Health.SetServing(service, serving)
	}
}

// watch は teleop の終了要求と異常を監視し、状態を表示する
func (a *App) watch(ctx context.Context) error {
	var quitting <-chan struct{}
	if a.Teleop != nil {
		quitting = a.Teleop.Quitting()
	}

	printEvery := a.cfg.Status.Interval()
	tick := time.NewTicker(min(printEvery, watchInterval))
	defer tick.Stop()
	var lastPrint time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quitting:
			a.logger.Info("quit requested from keyboard")
			return nil
		case now := <-tick.C:
			if a.Teleop == nil {
				continue
			}
			a.setServing(status.ServiceTeleop, a.Teleop.Alive())
			if err := a.Teleop.ThreadError(); err != nil {
				// LED は止まった後も AlertHold の間だけ高速点滅する
				if a.LED != nil {
					a.LED.SetAlert(true)
				}
				return fmt.Errorf("teleop stopped: %w", err)
			}
			if !a.cfg.Status.Disabled && now.Sub(lastPrint) >= printEvery {
				lastPrint = now
				fmt.Fprintln(a.out, a.statusLine())
			}
		}
	}
}

func (a *App) statusLine() string {
	m, mok := a.Teleop.LatestMotor()
	s, sok := a.Teleop.LatestServo()
	var dbg *teleop.KeyDebug
	if a.Teleop.Config().DebugKeys {
		d := a.Teleop.DebugLastKey()
		dbg = &d
	}
	return StatusLine(m, mok, s, sok, dbg)
}

// StatusLine は状態表示の 1 行を作る。dbg が nil でなければ最後のキーを付ける
func StatusLine(m control.MotorCommand, mok bool, s control.ServoCommand, sok bool, dbg *teleop.KeyDebug) string {
	var b strings.Builder
	b.WriteString("[teleop] motor=")
	if mok {
		fmt.Fprintf(&b, "throttle=%d steer=%d", m.Throttle, m.SteerDifferential)
	} else {
		b.WriteString("none")
	}
	b.WriteString(" | servo=")
	if sok {
		fmt.Fprintf(&b, "pan=%d tilt=%d", s.Pan, s.Tilt)
	} else {
		b.WriteString("none")
	}
	if dbg != nil {
		if dbg.Key == "" {
			b.WriteString(" | last_key=none")
		} else {
			fmt.Fprintf(&b, " | last_key=%q bytes=%q at=%s", dbg.Key, dbg.Bytes, dbg.Time.Format("15:04:05.000"))
		}
	}
	return b.String()
}
