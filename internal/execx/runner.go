// Package execx runs external commands with a bounded lifetime and
// captured output. Router tooling shells out constantly (zabbix_sender,
// opkg, rsync, sysupgrade) and every call site needs the same guard
// rails: a deadline, stderr preserved in the returned error, and the
// original exit status still reachable through errors.As.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner abstracts command execution so callers can be tested without
// touching the host system. Stdin may be nil when the command reads
// nothing.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// Local executes commands on the host with a per-command timeout.
type Local struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewLocal returns a Runner bound to the host. A zero timeout means the
// command only obeys the caller's context.
func NewLocal(timeout time.Duration, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default().With("component", "executor")
	}
	return &Local{
		timeout: timeout,
		logger:  logger,
	}
}

// Run executes name with args, feeding stdin when non-nil. Stdout is
// returned as-is. On failure the error carries trimmed stderr, and an
// *exec.ExitError stays wrapped so callers can recover the exit code.
func (l *Local) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	runCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return stdout.Bytes(), fmt.Errorf("%s timed out after %v", name, l.timeout)
	}
	if err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%s failed: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("%s failed: %w", name, err)
	}

	l.logger.Debug("Command completed",
		"command", name,
		"duration", elapsed)

	return stdout.Bytes(), nil
}
