package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Surrogate is a platform workaround that makes the process appear to be in
// the foreground while a capture stream is started. Both operations are best
// effort: the controller logs their errors and carries on.
type Surrogate interface {
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// NopSurrogate does nothing. It is used on platforms without a foreground
// restriction.
type NopSurrogate struct{}

// Enter implements [Surrogate].
func (NopSurrogate) Enter(context.Context) error { return nil }

// Exit implements [Surrogate].
func (NopSurrogate) Exit(context.Context) error { return nil }

// Shell package whose foreground activity makes shell-uid processes count as
// foregrounded.
const shellPackage = "com.android.shell"

// defaultCommandTimeout bounds each surrogate command.
const defaultCommandTimeout = 5 * time.Second

// runFunc executes argv and returns its combined output.
type runFunc func(ctx context.Context, argv []string) ([]byte, error)

func execRun(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// CommandSurrogate runs external commands to enter and leave the foreground
// state. An empty command is a no-op.
type CommandSurrogate struct {
	enter   []string
	exit    []string
	timeout time.Duration
	run     runFunc
}

// NewCommandSurrogate returns a [CommandSurrogate] running enter on Enter and
// exit on Exit. A non-positive timeout selects the 5 second default.
func NewCommandSurrogate(enter, exit []string, timeout time.Duration) *CommandSurrogate {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &CommandSurrogate{
		enter:   enter,
		exit:    exit,
		timeout: timeout,
		run:     execRun,
	}
}

// AndroidShellSurrogate launches an activity owned by the shell package so
// that a process running as the shell user is treated as foregrounded, and
// force-stops the package afterwards.
func AndroidShellSurrogate() *CommandSurrogate {
	return NewCommandSurrogate(
		[]string{
			"am", "start",
			"-a", "android.intent.action.MAIN",
			"-c", "android.intent.category.LAUNCHER",
			"-f", "0x10000000",
			"-n", shellPackage + "/.HeapDumpActivity",
		},
		[]string{"am", "force-stop", shellPackage},
		0,
	)
}

// Enter implements [Surrogate].
func (s *CommandSurrogate) Enter(ctx context.Context) error {
	return s.exec(ctx, "enter", s.enter)
}

// Exit implements [Surrogate].
func (s *CommandSurrogate) Exit(ctx context.Context) error {
	return s.exec(ctx, "exit", s.exit)
}

func (s *CommandSurrogate) exec(ctx context.Context, phase string, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, argv)
	if err != nil {
		return fmt.Errorf("capture: foreground %s %q: %w: %s",
			phase, strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ForegroundSurrogate is a scoped hold on a [Surrogate]. It is acquired with
// [EnterForeground] immediately before a stream is started and must be
// released on every path with [ForegroundSurrogate.Release].
type ForegroundSurrogate struct {
	s    Surrogate
	log  *slog.Logger
	once sync.Once
}

// EnterForeground enters s and returns the hold. Enter failures are logged and
// do not prevent the capture attempt; the hold must still be released.
func EnterForeground(ctx context.Context, s Surrogate, log *slog.Logger) *ForegroundSurrogate {
	if s == nil {
		s = NopSurrogate{}
	}
	if log == nil {
		log = slog.Default()
	}
	if err := s.Enter(ctx); err != nil {
		log.Warn("foreground workaround failed to start", "err", err)
	}
	return &ForegroundSurrogate{s: s, log: log}
}

// Release exits the surrogate. It runs at most once and ignores ctx
// cancellation so that teardown happens even when the caller gave up.
func (f *ForegroundSurrogate) Release(ctx context.Context) {
	f.once.Do(func() {
		if err := f.s.Exit(context.WithoutCancel(ctx)); err != nil {
			f.log.Warn("foreground workaround failed to stop", "err", err)
		}
	})
}
