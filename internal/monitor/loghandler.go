package monitor

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LevelUndef ranks below slog.LevelDebug and renders as "UNDEF". It is
// the severity used for free-form diagnostic lines that carry no real
// classification, which is the bulk of what router scripts log.
const LevelUndef = slog.Level(-8)

const timestampLayout = "02.01.06 - 15:04:05"

// LineHandler is a slog.Handler that renders records as
//
//	[26.08.26 - 14:05:11] backup: Run: INFO> share mounted
//
// with the hosting script name and the calling function baked into every
// line. Lines go to the console writer when one is attached and are
// mirrored to the log file writer on a best-effort basis, so a log
// destination that stops being writable never takes the script down.
type LineHandler struct {
	script  string
	mu      *sync.Mutex
	console io.Writer
	file    io.Writer
	prefix  string
	attrs   string
}

// NewLineHandler returns a handler labeling every record with script.
// Either writer may be nil.
func NewLineHandler(script string, console, file io.Writer) *LineHandler {
	return &LineHandler{
		script:  script,
		mu:      &sync.Mutex{},
		console: console,
		file:    file,
	}
}

// Enabled reports whether the record would be kept. Everything from
// LevelUndef upward is kept, the log sinks are cheap and the lines are
// the only runtime trace these one-shot tools leave behind.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= LevelUndef
}

// Handle renders and writes one record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(ts.Format(timestampLayout))
	b.WriteString("] ")
	b.WriteString(h.script)
	b.WriteString(": ")
	b.WriteString(callerOf(r.PC))
	b.WriteString(": ")
	b.WriteString(levelToken(r.Level))
	b.WriteString("> ")
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')
	line := b.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.console != nil {
		if _, err := io.WriteString(h.console, line); err != nil {
			return err
		}
	}
	if h.file != nil {
		// The destination may have been rotated away or sit on a full
		// flash partition. Losing the mirror line is acceptable.
		_, _ = io.WriteString(h.file, line)
	}
	return nil
}

// WithAttrs returns a handler with attrs preformatted into every line.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	h2.attrs = b.String()
	return &h2
}

// WithGroup returns a handler qualifying subsequent attr keys with name.
func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, prefix, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func levelToken(l slog.Level) string {
	switch {
	case l <= LevelUndef:
		return "UNDEF"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// callerOf resolves a record PC to a bare function name. Records logged
// without caller information fall back to "main", mirroring what shell
// traps report outside any function.
func callerOf(pc uintptr) string {
	if pc == 0 {
		return "main"
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return "main"
	}
	return shortFuncName(frame.Function)
}

// shortFuncName trims "github.com/x/y/pkg.(*T).Method" down to "Method".
func shortFuncName(full string) string {
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		full = full[i+1:]
	}
	if i := strings.LastIndexByte(full, '.'); i >= 0 {
		full = full[i+1:]
	}
	return full
}
