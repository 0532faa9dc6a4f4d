package app_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiocap/internal/app"
	"github.com/MrWong99/audiocap/internal/capture"
	"github.com/MrWong99/audiocap/internal/config"
	"github.com/MrWong99/audiocap/internal/sink"
	"github.com/MrWong99/audiocap/pkg/audio"
	"github.com/MrWong99/audiocap/pkg/audio/mock"
)

// chunk20ms is 20ms of the default stereo 48kHz PCM16 format.
const chunk20ms = 3840

// syncBuffer is a concurrency-safe output recording whether it was closed.
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed int
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *syncBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *syncBuffer) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// testConfig returns the default config with framed file output.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Output.Framed = true
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// runApp starts Run in the background and returns a channel with its result.
func runApp(t *testing.T, a *app.App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func get(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec.Code
}

func TestNew_RequiresDriver(t *testing.T) {
	t.Parallel()
	if _, err := app.New(testConfig()); !errors.Is(err, app.ErrNoDriver) {
		t.Errorf("err = %v, want ErrNoDriver", err)
	}
}

func TestNew_CreatesDriverFromRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms}
	var created int
	reg.RegisterDriver(config.DefaultDriver, func(config.CaptureConfig) (audio.Driver, error) {
		created++
		return drv, nil
	})

	newApp(t, testConfig(), app.WithRegistry(reg), app.WithOutput(&syncBuffer{}))
	if created != 1 {
		t.Errorf("factory called %d times, want 1", created)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Capture.Driver = "pulse"
	_, err := app.New(cfg, app.WithRegistry(config.NewRegistry()))
	if !errors.Is(err, config.ErrDriverNotRegistered) {
		t.Errorf("err = %v, want ErrDriverNotRegistered", err)
	}
}

func TestNew_RejectsOpusFormat(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Output.Codec = config.CodecOpus
	cfg.Capture.Channels = 6
	out := &syncBuffer{}

	_, err := app.New(cfg, app.WithDriver(&mock.Driver{}), app.WithOutput(out))
	if err == nil {
		t.Fatal("expected error for 6 channel opus output")
	}
	if out.closeCount() != 1 {
		t.Errorf("output closed %d times, want 1", out.closeCount())
	}
}

func TestRun_WritesFramedPackets(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream(make([]byte, chunk20ms), make([]byte, chunk20ms))
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: []audio.Stream{stream}}
	out := &syncBuffer{}
	a := newApp(t, testConfig(), app.WithDriver(drv), app.WithOutput(out))

	cancel, done := runApp(t, a)
	packet := sink.HeaderSize + chunk20ms
	waitFor(t, "two packets", func() bool { return len(out.snapshot()) >= 2*packet })
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	data := out.snapshot()
	for i, want := range []int64{0, 20_000} {
		h, err := sink.ParseHeader(data[i*packet:])
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if h.PTS != want || h.Length != chunk20ms {
			t.Errorf("packet %d header = %+v, want PTS %d length %d", i, h, want, chunk20ms)
		}
	}
	if !stream.Released() {
		t.Error("stream not released after Run")
	}
	if got := drv.OpenCalls[0].BufferBytes; got != config.DefaultBufferMultiplier*chunk20ms {
		t.Errorf("buffer bytes = %d, want %d", got, config.DefaultBufferMultiplier*chunk20ms)
	}
}

func TestRun_EndsWhenCaptureStops(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream(make([]byte, chunk20ms))
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: []audio.Stream{stream}}
	out := &syncBuffer{}
	a := newApp(t, testConfig(), app.WithDriver(drv), app.WithOutput(out))

	_, done := runApp(t, a)
	waitFor(t, "first packet", func() bool { return len(out.snapshot()) > 0 })
	_ = a.Controller().Close()

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRun_DeviceFailure(t *testing.T) {
	t.Parallel()
	stream := &mock.Stream{ReadError: errors.New("overrun")}
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: []audio.Stream{stream}}
	a := newApp(t, testConfig(), app.WithDriver(drv), app.WithOutput(&syncBuffer{}))

	_, done := runApp(t, a)
	err := waitRun(t, done)
	var devErr *capture.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Run = %v, want *capture.DeviceError", err)
	}
	if devErr.Op != "read" {
		t.Errorf("Op = %q, want read", devErr.Op)
	}
}

func TestRun_ForegroundFailure(t *testing.T) {
	t.Parallel()
	streams := make([]audio.Stream, 5)
	for i := range streams {
		streams[i] = &mock.Stream{StartError: audio.ErrForegroundDenied}
	}
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: streams}
	sur := &mock.Surrogate{}
	cfg := testConfig()
	cfg.Capture.ForegroundWorkaround = config.ForegroundAlways

	a := newApp(t, cfg,
		app.WithDriver(drv),
		app.WithOutput(&syncBuffer{}),
		app.WithCaptureOptions(
			capture.WithSurrogate(sur),
			capture.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		),
	)

	_, done := runApp(t, a)
	err := waitRun(t, done)
	var fgErr *capture.ForegroundError
	if !errors.As(err, &fgErr) {
		t.Fatalf("Run = %v, want *capture.ForegroundError", err)
	}
	if got := drv.CallCountOpen(); got != config.DefaultRetryAttempts {
		t.Errorf("open calls = %d, want %d", got, config.DefaultRetryAttempts)
	}
	if enter, exit := sur.Counts(); enter != 1 || exit != 1 {
		t.Errorf("surrogate enter/exit = %d/%d, want 1/1", enter, exit)
	}
}

func TestRun_NeverWorkaroundIgnoresDriver(t *testing.T) {
	t.Parallel()
	drv := &mock.Driver{
		MinBufferSizeResult: chunk20ms,
		Foreground:          true,
		Streams:             []audio.Stream{&mock.Stream{StartError: audio.ErrForegroundDenied}},
	}
	cfg := testConfig()
	cfg.Capture.ForegroundWorkaround = config.ForegroundNever
	a := newApp(t, cfg, app.WithDriver(drv), app.WithOutput(&syncBuffer{}))

	if a.Controller().Capabilities().NeedsForeground {
		t.Error("NeedsForeground = true with workaround disabled")
	}
	_, done := runApp(t, a)
	var devErr *capture.DeviceError
	if err := waitRun(t, done); !errors.As(err, &devErr) {
		t.Fatalf("Run = %v, want *capture.DeviceError", err)
	}
	if got := drv.CallCountOpen(); got != 1 {
		t.Errorf("open calls = %d, want 1", got)
	}
}

func TestRun_OpusOutputStartsWithConfigPacket(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rate int
	}{
		{"native rate", 48000},
		{"resampled", 44100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			testOpusOutput(t, tt.rate)
		})
	}
}

func testOpusOutput(t *testing.T, rate int) {
	cfg := testConfig()
	cfg.Capture.SampleRate = rate
	cfg.Output.Codec = config.CodecOpus
	chunk := cfg.Capture.Format().MillisToBytes(20)
	stream := mock.NewStream(make([]byte, chunk), make([]byte, chunk))
	drv := &mock.Driver{MinBufferSizeResult: chunk, Streams: []audio.Stream{stream}}
	out := &syncBuffer{}
	a := newApp(t, cfg, app.WithDriver(drv), app.WithOutput(out))

	cancel, done := runApp(t, a)
	waitFor(t, "config and media packets", func() bool {
		data := out.snapshot()
		h, err := sink.ParseHeader(data)
		if err != nil {
			return false
		}
		return len(data) > sink.HeaderSize+h.Length
	})
	cancel()
	_ = waitRun(t, done)

	h, _ := sink.ParseHeader(out.snapshot())
	if h.Flags&audio.FlagConfig == 0 {
		t.Errorf("first packet flags = %v, want config", h.Flags)
	}
}

// ─── HTTP surface ────────────────────────────────────────────────────────────

func TestHandler_HealthProbes(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream(make([]byte, chunk20ms))
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: []audio.Stream{stream}}
	out := &syncBuffer{}
	a := newApp(t, testConfig(), app.WithDriver(drv), app.WithOutput(out))
	h := a.Handler()

	if code := get(t, h, "/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", code)
	}
	if code := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before Run = %d, want 503", code)
	}

	runApp(t, a)
	waitFor(t, "first packet", func() bool { return len(out.snapshot()) > 0 })
	if code := get(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("readyz while capturing = %d, want 200", code)
	}

	_ = a.Controller().Close()
	if code := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz after close = %d, want 503", code)
	}
}

func TestHandler_ExtraRoute(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	a := newApp(t, testConfig(),
		app.WithDriver(&mock.Driver{}),
		app.WithOutput(&syncBuffer{}),
		app.WithRoute("GET /metrics", metrics),
	)
	if code := get(t, a.Handler(), "/metrics"); code != http.StatusTeapot {
		t.Errorf("/metrics = %d, want %d", code, http.StatusTeapot)
	}
}

func TestHandler_WebSocketStream(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream(make([]byte, chunk20ms))
	drv := &mock.Driver{MinBufferSizeResult: chunk20ms, Streams: []audio.Stream{stream}}
	cfg := testConfig()
	cfg.Output.Kind = config.OutputWebSocket
	a := newApp(t, cfg, app.WithDriver(drv))

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Output.WSPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	runApp(t, a)
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	h, err := sink.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.PTS != 0 || h.Length != chunk20ms {
		t.Errorf("header = %+v, want PTS 0 length %d", h, chunk20ms)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	a, err := app.New(testConfig(), app.WithDriver(&mock.Driver{}), app.WithOutput(out))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	for i := range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown #%d = %v", i+1, err)
		}
	}
	if out.closeCount() != 1 {
		t.Errorf("output closed %d times, want 1", out.closeCount())
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()
	out := &syncBuffer{}
	a, err := app.New(testConfig(), app.WithDriver(&mock.Driver{}), app.WithOutput(out))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
	if out.closeCount() != 0 {
		t.Error("closers ran after deadline")
	}
}
