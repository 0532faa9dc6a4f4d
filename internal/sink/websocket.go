package sink

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiocap/internal/observe"
	"github.com/MrWong99/audiocap/pkg/audio"
)

const (
	defaultClientBuffer = 64
	defaultWriteTimeout = 5 * time.Second
)

// WebSocketOption configures a [WebSocket].
type WebSocketOption func(*WebSocket)

// WithClientBuffer sets the number of packets queued per client before new
// packets for that client are dropped. The default is 64.
func WithClientBuffer(n int) WebSocketOption {
	return func(w *WebSocket) {
		if n > 0 {
			w.buffer = n
		}
	}
}

// WithWriteTimeout bounds each websocket write. The default is 5s.
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(w *WebSocket) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithOriginPatterns sets the origins allowed to connect in addition to the
// serving host.
func WithOriginPatterns(patterns ...string) WebSocketOption {
	return func(w *WebSocket) { w.origins = patterns }
}

// WithSinkMetrics records client and drop counts on m.
func WithSinkMetrics(m *observe.Metrics) WebSocketOption {
	return func(w *WebSocket) { w.metrics = m }
}

// WithSinkLogger sets the logger. The default is [slog.Default].
func WithSinkLogger(l *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		if l != nil {
			w.log = l
		}
	}
}

// WebSocket broadcasts framed packets to every connected websocket client.
// It is both a [Sink] and the [http.Handler] clients connect to.
//
// Each client has its own bounded queue. A client that falls behind loses
// packets; it never slows capture or other clients down. The most recent
// config packet is replayed to clients that join mid-stream so they can set
// up their decoder.
type WebSocket struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics
	log          *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	config  []byte
	closed  bool
}

type wsClient struct {
	send chan []byte
}

// NewWebSocket creates an empty broadcaster.
func NewWebSocket(opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		buffer:       defaultClientBuffer,
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default(),
		clients:      make(map[*wsClient]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Clients returns the number of connected clients.
func (w *WebSocket) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// WriteFrame implements [Sink]. It never blocks on clients.
func (w *WebSocket) WriteFrame(ctx context.Context, f audio.Frame) error {
	pkt := AppendPacket(make([]byte, 0, HeaderSize+len(f.Data)), f)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if f.Flags&audio.FlagConfig != 0 {
		w.config = pkt
	}
	for c := range w.clients {
		select {
		case c.send <- pkt:
		default:
			if w.metrics != nil {
				w.metrics.SinkDropped.Add(ctx, 1)
			}
		}
	}
	return nil
}

// Close disconnects every client. Later connections are refused.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for c := range w.clients {
		close(c.send)
		delete(w.clients, c)
	}
	return nil
}

// ServeHTTP upgrades the request and streams packets to the client until it
// disconnects or the broadcaster is closed.
func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	c := &wsClient{send: make(chan []byte, w.buffer)}
	if !w.register(c) {
		http.Error(rw, "stream closed", http.StatusServiceUnavailable)
		return
	}
	defer w.unregister(c)

	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: w.origins,
	})
	if err != nil {
		w.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	if w.metrics != nil {
		w.metrics.SinkClients.Add(r.Context(), 1)
		defer w.metrics.SinkClients.Add(context.WithoutCancel(r.Context()), -1)
	}
	w.log.Info("stream client connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case pkt, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream ended")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, pkt)
			cancel()
			if err != nil {
				w.log.Info("stream client disconnected", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-ctx.Done():
			w.log.Info("stream client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

// register adds c and queues the current config packet for it.
func (w *WebSocket) register(c *wsClient) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if w.config != nil {
		c.send <- w.config
	}
	w.clients[c] = struct{}{}
	return true
}

func (w *WebSocket) unregister(c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.clients, c)
}
