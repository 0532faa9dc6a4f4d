package sink

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// startBroadcaster serves w on a test server and returns its ws:// URL.
func startBroadcaster(t *testing.T, w *WebSocket) string {
	t.Helper()
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitClients(t *testing.T, w *WebSocket, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for w.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", w.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readPacket reads one binary message and decodes its header.
func readPacket(t *testing.T, conn *websocket.Conn) (Header, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("message type = %v, want binary", typ)
	}
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	return h, data[HeaderSize:]
}

func TestWebSocket_Broadcast(t *testing.T) {
	w := NewWebSocket()
	url := startBroadcaster(t, w)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, w, 2)

	f := audio.Frame{Data: []byte{9, 8, 7}, PTS: 40_000}
	if err := w.WriteFrame(context.Background(), f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		h, payload := readPacket(t, conn)
		if h.PTS != 40_000 || h.Length != 3 || !bytes.Equal(payload, f.Data) {
			t.Errorf("packet = %+v %v", h, payload)
		}
	}
}

func TestWebSocket_ReplaysConfigToLateClients(t *testing.T) {
	w := NewWebSocket()
	url := startBroadcaster(t, w)

	ctx := context.Background()
	_ = w.WriteFrame(ctx, audio.Frame{Data: []byte("head"), Flags: audio.FlagConfig})
	_ = w.WriteFrame(ctx, audio.Frame{Data: []byte{1}, PTS: 0})

	conn := dial(t, url)
	waitClients(t, w, 1)
	_ = w.WriteFrame(ctx, audio.Frame{Data: []byte{2}, PTS: 20_000})

	h, payload := readPacket(t, conn)
	if h.Flags&audio.FlagConfig == 0 || string(payload) != "head" {
		t.Fatalf("first packet = %+v %q, want config", h, payload)
	}
	h, payload = readPacket(t, conn)
	if h.PTS != 20_000 || !bytes.Equal(payload, []byte{2}) {
		t.Errorf("second packet = %+v %v", h, payload)
	}
}

func TestWebSocket_SlowClientDropsPackets(t *testing.T) {
	w := NewWebSocket(WithClientBuffer(1))
	c := &wsClient{send: make(chan []byte, 1)}
	if !w.register(c) {
		t.Fatal("register failed")
	}

	ctx := context.Background()
	for i := range 5 {
		if err := w.WriteFrame(ctx, audio.Frame{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if len(c.send) != 1 {
		t.Errorf("queued = %d, want 1", len(c.send))
	}
	if pkt := <-c.send; pkt[HeaderSize] != 0 {
		t.Errorf("kept packet %d, want the oldest (0)", pkt[HeaderSize])
	}
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	w := NewWebSocket()
	url := startBroadcaster(t, w)
	conn := dial(t, url)
	waitClients(t, w, 1)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("Read = %v, want close status going away", err)
	}

	if err := w.WriteFrame(context.Background(), audio.Frame{Data: []byte{1}}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestWebSocket_RefusesAfterClose(t *testing.T) {
	w := NewWebSocket()
	_ = w.Close()

	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestWebSocket_ClientLeaves(t *testing.T) {
	w := NewWebSocket()
	url := startBroadcaster(t, w)
	conn := dial(t, url)
	waitClients(t, w, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitClients(t, w, 0)
}
