package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rione/carbot/latest"
)

const (
	streamBoundary = "frame"
	streamWait     = time.Second
	shutdownLimit  = 2 * time.Second
)

const indexHTML = `<html>
  <head><title>Carbot Stream</title></head>
  <body style="margin:0;background:#111;display:flex;justify-content:center;align-items:center;height:100vh;">
    <img src="/stream.mjpg" style="max-width:100%;max-height:100%;" />
  </body>
</html>
`

// NetworkConfig は配信サーバーの設定
type NetworkConfig struct {
	Host        string
	Port        int
	JPEGQuality int
	IdleSleep   time.Duration // Pipeline が新しいフレームを待つ間隔
	Transform   string        // Pipeline の Transform 名
}

// DefaultNetworkConfig は 0.0.0.0:8080 で配信する設定を返す
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Host:        "0.0.0.0",
		Port:        8080,
		JPEGQuality: 75,
		IdleSleep:   10 * time.Millisecond,
		Transform:   "crop_bottom_quarter",
	}
}

// Addr は host:port を返す
func (c NetworkConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server は JPEG の Store を HTTP で配信する (3 段目)。
//
//	/, /index.html   ビューア
//	/snapshot.jpg    最新の 1 枚
//	/stream.mjpg     multipart/x-mixed-replace
type Server struct {
	cfg    NetworkConfig
	jpegs  *latest.Store[[]byte]
	frames *latest.Store[image.Image]
	opts   options

	srv *http.Server

	// Close で cancel され、配信中のハンドラを終わらせる
	life       context.Context
	lifeCancel context.CancelFunc
	closeOnce  sync.Once
	closeErr   error

	// closing を立てた後は handlers を増やさない
	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

// NewServer は jpegs を配信する Server を返す
func NewServer(jpegs *latest.Store[[]byte], cfg NetworkConfig, opts ...Option) *Server {
	o := buildOptions("stream", opts)
	life, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		jpegs:      jpegs,
		frames:     o.frames,
		opts:       o,
		life:       life,
		lifeCancel: cancel,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return life },
	}
	return s
}

func (s *Server) Config() NetworkConfig { return s.cfg }

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

// Serve は ln で接続を受け付ける。Close で止まった場合は nil を返す
func (s *Server) Serve(ln net.Listener) error {
	s.opts.logger.Info("streaming", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve stream: %w", err)
	}
	return nil
}

// ListenAndServe は設定のアドレスで待ち受けて Serve する
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ln)
}

// Close はすべての配信を終わらせてサーバーを止める。二回目以降は最初の結果を返す
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.lifeCancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownLimit)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.closeErr = fmt.Errorf("shutdown stream server: %w", err)
			_ = s.srv.Close()
		}
		s.handlers.Wait()
	})
	return s.closeErr
}

// LatestJPEG は最新の JPEG を返す
func (s *Server) LatestJPEG() ([]byte, int64, bool) {
	return s.jpegs.Get()
}

// LatestFrame は最新の加工済みフレームを返す。Frame Store が無ければ ok は false
func (s *Server) LatestFrame() (image.Image, int64, bool) {
	if s.frames == nil {
		return nil, 0, false
	}
	return s.frames.Get()
}

// enter はハンドラを 1 つ数える。閉じ始めていたら false
func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.handlers.Add(1)
	return true
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		s.textError(w, "closed", http.StatusServiceUnavailable, "server closing")
		return
	}
	defer s.handlers.Done()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.textError(w, "method", http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := r.URL.RequestURI()
	switch {
	case path == "/" || path == "/index.html":
		s.serveIndex(w)
	case strings.HasPrefix(path, "/snapshot.jpg"):
		s.serveSnapshot(w)
	case strings.HasPrefix(path, "/stream.mjpg"):
		s.serveStream(w, r)
	default:
		s.textError(w, "not_found", http.StatusNotFound, "not found")
	}
}

func (s *Server) textError(w http.ResponseWriter, route string, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
	s.opts.metrics.Request(route, code)
}

func (s *Server) serveIndex(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(indexHTML)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(indexHTML))
	s.opts.metrics.Request("index", http.StatusOK)
}

func (s *Server) serveSnapshot(w http.ResponseWriter) {
	jpg, _, ok := s.jpegs.Get()
	if !ok {
		s.textError(w, "snapshot", http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpg)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jpg)
	s.opts.metrics.Request("snapshot", http.StatusOK)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	logger := s.opts.logger.With("client", id, "remote", r.RemoteAddr)

	h := w.Header()
	h.Set("Age", "0")
	h.Set("Cache-Control", "no-cache, private")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.WriteHeader(http.StatusOK)
	s.opts.metrics.Request("stream", http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	// クライアントの切断か Close のどちらかで終わる
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	s.opts.metrics.ClientConnected()
	defer s.opts.metrics.ClientDisconnected()
	logger.Info("stream client connected")

	var lastTS int64
	var frames int
	for {
		jpg, ts, ok := s.jpegs.WaitNewer(ctx, lastTS, streamWait)
		if ctx.Err() != nil {
			break
		}
		if !ok {
			continue
		}
		lastTS = ts

		if err := writePart(w, jpg); err != nil {
			logger.Debug("stream write failed", "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		frames++
	}
	logger.Info("stream client disconnected", "frames", frames)
}

// writePart は multipart の 1 パートを書く
func writePart(w http.ResponseWriter, jpg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(jpg)); err != nil {
		return err
	}
	if _, err := w.Write(jpg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
