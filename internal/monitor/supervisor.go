package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Observer receives step failures from a running tool body. Observe
// returns a non-nil error when the body must stop, which the body is
// expected to return as-is.
type Observer interface {
	Observe(err error) error
}

// Supervisor wraps a tool body and files the reports a shell script
// would file from its EXIT and ERR traps: every observed step failure
// lands in the errorCode and errorLine slots, and the final outcome
// lands in exitCode and exitLine exactly once, panics included.
type Supervisor struct {
	rep *Reporter

	mu       sync.Mutex
	ctx      context.Context
	lastLine int

	once sync.Once
}

// NewSupervisor returns a Supervisor reporting through rep and obeying
// its ExitOnError, ClearOnInit and exclusion settings.
func NewSupervisor(rep *Reporter) *Supervisor {
	return &Supervisor{rep: rep}
}

// observedError marks an error that already went through error
// reporting, carrying the exit code derived at observation time.
type observedError struct {
	err  error
	code int
}

func (e *observedError) Error() string { return e.err.Error() }
func (e *observedError) Unwrap() error { return e.err }

// Run executes body and returns the process exit code: 0 on success,
// the derived code of the returned error otherwise, 2 after a panic.
// Exit reporting happens exactly once no matter how the body ends,
// unless the script name matches an exclusion pattern.
func (s *Supervisor) Run(ctx context.Context, body func(context.Context) error) int {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.rep.cfg.ClearOnInit {
		if err := s.rep.Clear(ctx); err != nil {
			s.rep.logger.Warn("Initial value reset failed",
				"error", err)
		}
	}

	err := s.runBody(ctx, body)
	code := exitCodeOf(err)
	if err != nil {
		s.rep.logger.Error("Run failed",
			"exit_code", code,
			"error", err)
	}
	s.finalize(code)
	return code
}

func (s *Supervisor) runBody(ctx context.Context, body func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			line := panicLine()
			s.noteLine(line)
			s.reportError(2, line)
			err = &observedError{err: fmt.Errorf("panic: %v", p), code: 2}
		}
	}()
	return body(ctx)
}

// Observe files an error report for a failed step, attributed to the
// line of the Observe call. With ExitOnError set it hands back an error
// for the body to return, otherwise it returns nil and the body carries
// on. A nil err is ignored, so call sites can pass through results
// unconditionally.
func (s *Supervisor) Observe(err error) error {
	if err == nil {
		return nil
	}

	pc, _, line, ok := runtime.Caller(1)
	if !ok {
		line = 0
	}
	code := exitCodeOf(err)

	s.noteLine(line)
	s.logAt(pc, slog.LevelError, "Step failed",
		"line", line,
		"exit_code", code,
		"error", err)
	s.reportError(code, line)

	if s.rep.cfg.ExitOnError {
		return &observedError{err: err, code: code}
	}
	return nil
}

func (s *Supervisor) reportError(code, line int) {
	ctx := context.WithoutCancel(s.runContext())
	_ = s.rep.Report(ctx, "", strconv.Itoa(code), ErrorCode)
	_ = s.rep.Report(ctx, "", strconv.Itoa(line), ErrorLine)
}

// finalize reports the exit outcome once. It runs on a context detached
// from the run context, the reports must still go out when the body was
// killed by a signal or deadline.
func (s *Supervisor) finalize(code int) {
	s.once.Do(func() {
		name := s.rep.cfg.ScriptName
		if s.rep.excludedScript(name) {
			s.rep.logger.Debug("Exit reporting skipped for excluded script",
				"script", name)
			return
		}

		ctx := context.WithoutCancel(s.runContext())
		line := s.lastObservedLine()
		_ = s.rep.Report(ctx, "", strconv.Itoa(code), ExitCode)
		_ = s.rep.Report(ctx, "", strconv.Itoa(line), ExitLine)
	})
}

func (s *Supervisor) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Supervisor) noteLine(line int) {
	s.mu.Lock()
	s.lastLine = line
	s.mu.Unlock()
}

func (s *Supervisor) lastObservedLine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLine
}

// logAt emits a record attributed to an explicit program counter, so
// the line names the observing call site rather than the supervisor.
func (s *Supervisor) logAt(pc uintptr, level slog.Level, msg string, args ...any) {
	rec := slog.NewRecord(time.Now(), level, msg, pc)
	rec.Add(args...)
	_ = s.rep.handler.Handle(context.Background(), rec)
}

// exitCodeOf derives a shell-style exit code from an error: 0 for nil,
// the preserved code of an observed or exec failure, 1 otherwise.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var oe *observedError
	if errors.As(err, &oe) && oe.code != 0 {
		return oe.code
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}

// panicLine walks past the runtime frames of an in-flight recover to
// the line that actually panicked.
func panicLine() int {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			return frame.Line
		}
		if !more {
			break
		}
	}
	return 0
}
