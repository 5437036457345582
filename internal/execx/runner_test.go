package execx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCapturesStdout(t *testing.T) {
	r := NewLocal(5*time.Second, testLogger())

	out, err := r.Run(context.Background(), nil, "echo", "hello")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got := strings.TrimSpace(string(out)); got != "hello" {
		t.Errorf("Run() stdout = %q, want %q", got, "hello")
	}
}

func TestRunFeedsStdin(t *testing.T) {
	r := NewLocal(5*time.Second, testLogger())

	out, err := r.Run(context.Background(), []byte("pipe me\n"), "cat")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if got := string(out); got != "pipe me\n" {
		t.Errorf("Run() stdout = %q, want %q", got, "pipe me\n")
	}
}

func TestRunPreservesExitCode(t *testing.T) {
	r := NewLocal(5*time.Second, testLogger())

	_, err := r.Run(context.Background(), nil, "sh", "-c", "exit 3")
	if err == nil {
		t.Fatal("Run() error = nil, want exit error")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run() error = %v, want wrapped *exec.ExitError", err)
	}
	if code := exitErr.ExitCode(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestRunIncludesStderrInError(t *testing.T) {
	r := NewLocal(5*time.Second, testLogger())

	_, err := r.Run(context.Background(), nil, "sh", "-c", "echo kaboom >&2; exit 1")
	if err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Run() error = %q, want stderr content included", err)
	}
}

func TestRunTimesOut(t *testing.T) {
	r := NewLocal(50*time.Millisecond, testLogger())

	start := time.Now()
	_, err := r.Run(context.Background(), nil, "sleep", "5")
	if err == nil {
		t.Fatal("Run() error = nil, want timeout")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Run() error = %q, want timeout message", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, command was not killed on deadline", elapsed)
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := NewLocal(time.Second, testLogger())

	_, err := r.Run(context.Background(), nil, "definitely-not-a-real-command-xyz")
	if err == nil {
		t.Fatal("Run() error = nil, want lookup failure")
	}
}
