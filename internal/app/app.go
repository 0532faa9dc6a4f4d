// Package app wires the audiocap subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// capture controller, the output sink and the HTTP surface, Run executes the
// capture loop, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDriver, WithOutput,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiocap/internal/capture"
	"github.com/MrWong99/audiocap/internal/config"
	"github.com/MrWong99/audiocap/internal/health"
	"github.com/MrWong99/audiocap/internal/observe"
	"github.com/MrWong99/audiocap/internal/sink"
	"github.com/MrWong99/audiocap/pkg/audio"
)

// captureStallAfter is how long the frame counter may stand still before the
// readiness probe reports the capture as stalled.
const captureStallAfter = 5 * time.Second

// ErrNoDriver is returned by [New] when neither a driver nor a registry was
// provided.
var ErrNoDriver = errors.New("app: no capture driver or registry configured")

type route struct {
	pattern string
	handler http.Handler
}

// App owns all subsystem lifetimes and runs the capture pipeline.
type App struct {
	cfg      *config.Config
	driver   audio.Driver
	registry *config.Registry
	metrics  *observe.Metrics
	log      *slog.Logger
	output   io.Writer
	watcher  *config.Watcher
	ctrlOpts []capture.Option
	routes   []route

	// Subsystems, initialised in New and torn down in Shutdown.
	ctrl    *capture.Controller
	sink    sink.Sink
	ws      *sink.WebSocket
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDriver injects a capture driver instead of creating one from the registry.
func WithDriver(d audio.Driver) Option {
	return func(a *App) { a.driver = d }
}

// WithRegistry sets the registry the capture driver is created from.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metric instruments. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithOutput replaces the file output with w. It is only used by the file
// output kind; w is closed on shutdown if it implements [io.Closer].
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.output = w }
}

// WithWatcher runs w alongside the capture loop.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithCaptureOptions appends options to the capture controller. They are
// applied after the ones derived from the config.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(a *App) { a.ctrlOpts = append(a.ctrlOpts, opts...) }
}

// WithRoute mounts an extra handler on the HTTP server, e.g. the metrics endpoint.
func WithRoute(pattern string, h http.Handler) Option {
	return func(a *App) { a.routes = append(a.routes, route{pattern: pattern, handler: h}) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is captured
// until [App.Run] is called.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Capture driver ────────────────────────────────────────────────
	if err := a.initDriver(); err != nil {
		return nil, fmt.Errorf("app: init driver: %w", err)
	}

	// ── 2. Capture controller ────────────────────────────────────────────
	a.initController()

	// ── 3. Output sink ───────────────────────────────────────────────────
	if err := a.initSink(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init output: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDriver() error {
	if a.driver != nil {
		return nil
	}
	if a.registry == nil {
		return ErrNoDriver
	}
	d, err := a.registry.CreateDriver(a.cfg.Capture)
	if err != nil {
		return err
	}
	a.driver = d
	if c, ok := d.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

func (a *App) initController() {
	cc := a.cfg.Capture
	format := cc.Format()

	caps := capture.Probe(a.driver)
	switch cc.ForegroundWorkaround {
	case config.ForegroundAlways:
		caps.NeedsForeground = true
	case config.ForegroundNever:
		caps.NeedsForeground = false
	}

	opts := []capture.Option{
		capture.WithFormat(format),
		capture.WithCapabilities(caps),
		capture.WithRetry(capture.RetryPolicy{Attempts: cc.Retry.Attempts, Delay: cc.Retry.Delay}),
		capture.WithBufferMultiplier(cc.BufferMultiplier),
		capture.WithReadSize(format.MillisToBytes(cc.ReadMS)),
		capture.WithMetrics(a.metrics),
		capture.WithLogger(a.log),
	}
	if caps.NeedsForeground {
		opts = append(opts, capture.WithSurrogate(a.surrogate()))
	}
	a.ctrl = capture.New(a.driver, append(opts, a.ctrlOpts...)...)

	// Stop capturing before anything downstream is closed.
	a.closers = append([]func() error{a.ctrl.Close}, a.closers...)
}

func (a *App) surrogate() capture.Surrogate {
	sc := a.cfg.Capture.Surrogate
	if len(sc.Enter) == 0 && len(sc.Exit) == 0 {
		return capture.AndroidShellSurrogate()
	}
	return capture.NewCommandSurrogate(sc.Enter, sc.Exit, sc.Timeout)
}

func (a *App) initSink() error {
	oc := a.cfg.Output

	var out sink.Sink
	switch oc.Kind {
	case config.OutputWebSocket:
		a.ws = sink.NewWebSocket(
			sink.WithClientBuffer(oc.ClientBuffer),
			sink.WithSinkMetrics(a.metrics),
			sink.WithSinkLogger(a.log),
		)
		out = a.ws
	default:
		w, err := a.openOutput()
		if err != nil {
			return err
		}
		out = sink.NewWriter(w, oc.Framed)
	}

	if oc.Codec == config.CodecOpus {
		var err error
		if out, err = a.opusStage(out); err != nil {
			return err
		}
	}

	a.sink = out
	a.closers = append(a.closers, out.Close)
	return nil
}

// opusStage puts an Opus encoder in front of out, resampling to 48kHz first
// when the capture rate is one Opus cannot encode. On error out is closed.
func (a *App) opusStage(out sink.Sink) (sink.Sink, error) {
	from := a.cfg.Capture.Format()
	to := from
	if !sink.OpusSupportsRate(from.SampleRate) {
		to.SampleRate = audio.SampleRate
	}

	enc, err := sink.NewOpus(out, to, a.cfg.Output.OpusBitrate)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	if to == from {
		return enc, nil
	}
	conv, err := sink.NewConverter(enc, from, to)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	a.log.Info("resampling capture for opus", "from", from.SampleRate, "to", to.SampleRate)
	return conv, nil
}

// openOutput returns the destination of the file output kind.
func (a *App) openOutput() (io.Writer, error) {
	if a.output != nil {
		return a.output, nil
	}
	if a.cfg.Output.Path == "-" {
		// Hide os.Stdout's Close from the writer.
		return struct{ io.Writer }{os.Stdout}, nil
	}
	f, err := os.Create(a.cfg.Output.Path)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", a.cfg.Output.Path, err)
	}
	return f, nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	health.New(health.CaptureChecker(a.captureStatus, captureStallAfter)).Register(mux)
	if a.ws != nil {
		mux.Handle("GET "+a.cfg.Output.WSPath, a.ws)
	}
	for _, r := range a.routes {
		mux.Handle(r.pattern, r.handler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

func (a *App) captureStatus() (health.CaptureStatus, bool) {
	s := a.ctrl.Session()
	if s == nil {
		return health.CaptureStatus{}, false
	}
	return health.CaptureStatus{Open: !s.Done(), Frames: s.Frames()}, true
}

// Handler returns the HTTP handler serving health probes, the websocket
// stream and any extra routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Controller returns the capture controller.
func (a *App) Controller() *capture.Controller {
	return a.ctrl
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the capture session and moves frames to the output until ctx is
// cancelled or the capture ends. The HTTP server and config watcher run
// alongside and stop with it.
//
// A start failure is returned wrapped; use errors.As to obtain a
// [*capture.ForegroundError] or [*capture.DeviceError].
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return a.serve(gctx, srv) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		// The capture loop decides the app's lifetime.
		defer cancel()
		return a.stream(gctx)
	})

	a.log.Info("app running", "output", a.cfg.Output.Kind, "codec", a.cfg.Output.Codec)
	return g.Wait()
}

// stream runs one capture session through the frame queue into the sink.
func (a *App) stream(ctx context.Context) error {
	s, err := a.ctrl.Open(ctx)
	if err != nil {
		return fmt.Errorf("app: open capture: %w", err)
	}

	frames := make(chan audio.Frame, a.cfg.Capture.QueueDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Pump(gctx, frames) })
	g.Go(func() error { return sink.Drain(gctx, frames, a.sink) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: capture loop: %w", err)
	}
	a.log.Info("capture loop finished", "frames", s.Frames())
	return nil
}

func (a *App) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	a.log.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	// Websocket clients are hijacked and not tracked by Shutdown; closing the
	// sink releases them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: http server: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: capture first, then the output, then
// the driver. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New already acquired.
func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
