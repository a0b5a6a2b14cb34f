// Package status はロボットの状態を外部に知らせる。
//
// 状態のスナップショットを protobuf (structpb) にして UDP で定期送信し、
// 各コンポーネントの稼働状況を gRPC ヘルスチェックで公開する。
package status

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Rione/carbot/control"
	"github.com/Rione/carbot/runloop"
)

// Snapshot はある時点のロボットの状態。取得できなかった項目は nil
type Snapshot struct {
	RobotID string
	Time    time.Time

	Motor *control.MotorCommand
	Servo *control.ServoCommand

	InfraredBits *int
	DistanceCM   *float64
	JPEGTime     int64 // 最新の JPEG のタイムスタンプ。まだ無ければ 0

	TeleopAlive bool
}

// Encode はスナップショットを structpb.Struct のバイト列にする
func Encode(s Snapshot) ([]byte, error) {
	fields := map[string]any{
		"robot_id":     s.RobotID,
		"time_unix_ms": float64(s.Time.UnixMilli()),
		"teleop_alive": s.TeleopAlive,
	}
	if s.Motor != nil {
		fields["motor"] = map[string]any{
			"throttle": float64(s.Motor.Throttle),
			"steer":    float64(s.Motor.SteerDifferential),
		}
	}
	if s.Servo != nil {
		fields["servo"] = map[string]any{
			"pan":  float64(s.Servo.Pan),
			"tilt": float64(s.Servo.Tilt),
		}
	}
	if s.InfraredBits != nil {
		fields["infrared"] = float64(*s.InfraredBits)
	}
	if s.DistanceCM != nil {
		fields["distance_cm"] = *s.DistanceCM
	}
	if s.JPEGTime != 0 {
		fields["jpeg_ts"] = float64(s.JPEGTime)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build status: %w", err)
	}
	return proto.Marshal(st)
}

// Decode は Encode したバイト列を読む
func Decode(b []byte) (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Publisher は一定周期でスナップショットを UDP 送信する
type Publisher struct {
	conn     net.Conn
	interval time.Duration
	snapshot func() Snapshot
	worker   *runloop.Worker
	logger   *slog.Logger
	errLimit *rate.Limiter

	closeOnce sync.Once
	closeErr  error
}

// NewPublisher は addr (マルチキャストも可) に送る Publisher を返す
func NewPublisher(addr string, interval time.Duration, snapshot func() Snapshot, logger *slog.Logger) (*Publisher, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial status %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		interval: interval,
		snapshot: snapshot,
		worker:   runloop.NewWorker("status"),
		logger:   logger.With("component", "status", "addr", addr),
		errLimit: rate.NewLimiter(rate.Limit(1), 1),
	}, nil
}

// Publish はスナップショットを 1 回送る
func (p *Publisher) Publish() error {
	b, err := Encode(p.snapshot())
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(b); err != nil {
		return fmt.Errorf("send status: %w", err)
	}
	return nil
}

func (p *Publisher) Start() error {
	p.logger.Info("status publisher started", "interval", p.interval)
	return p.worker.Start(p.loop)
}

// Close は送信を止めてソケットを閉じる。2 回目以降は最初の結果を返す
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if !p.worker.Stop(time.Second) {
			p.logger.Warn("status goroutine did not exit in time")
		}
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *Publisher) loop(ctx context.Context) {
	pacer := runloop.NewPacer(p.interval, 0)
	for pacer.Wait(ctx) {
		if err := p.Publish(); err != nil && p.errLimit.Allow() {
			// 受信側がいない間は送信に失敗し続けることがある
			p.logger.Warn("publish failed", "error", err)
		}
	}
}
