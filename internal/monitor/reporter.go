// Package monitor reports script health to a Zabbix-style agent. Every
// hosted tool gets five metric slots on the server, keyed by its script
// name: last exit code, last exit line, last error code, last error line
// and a free-form runtime message. The package also emits the low-level
// discovery document that tells the server which scripts exist on a
// host, and wraps tool bodies in a supervisor that files exit and error
// reports the way shell EXIT and ERR traps would.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/wrtops/wrtops/internal/zabbix"
)

// ValueType names one of the per-script metric slots.
type ValueType string

const (
	ExitCode       ValueType = "exitCode"
	ExitLine       ValueType = "exitLine"
	ErrorCode      ValueType = "errorCode"
	ErrorLine      ValueType = "errorLine"
	RuntimeMessage ValueType = "runtimeMessage"
)

const (
	DefaultSenderBinary  = "zabbix_sender"
	DefaultKeyRoot       = "script.monitoring"
	DefaultSenderTimeout = 10 * time.Second
)

// Sender delivers item batches to the monitoring agent.
type Sender interface {
	Send(ctx context.Context, items []zabbix.Item) error
}

// Config carries everything a Reporter needs. Zero values fall back to
// the package defaults where one exists.
type Config struct {
	// ScriptName identifies the hosting tool in keys, log lines and
	// discovery. Defaults to the basename of the running executable.
	ScriptName string

	// AgentConfig is the path of the agent configuration file handed to
	// the sender binary. Required.
	AgentConfig string

	// SenderBinary names the sender executable. Defaults to
	// "zabbix_sender", resolved on PATH.
	SenderBinary string

	// KeyRoot is the item key prefix, so values arrive as
	// "<KeyRoot>[<script>,<valueType>]". Defaults to "script.monitoring".
	KeyRoot string

	// LogFile is an optional destination mirrored by the log handler.
	LogFile string

	// ExitOnError makes Observe abort the run on the first observed
	// error instead of carrying on.
	ExitOnError bool

	// ClearOnInit resets all five metric slots before the body runs.
	ClearOnInit bool

	// SenderTimeout bounds a single sender invocation.
	SenderTimeout time.Duration

	// ScriptDirs are directories scanned for discoverable scripts.
	ScriptDirs []string

	// ExtraScripts are additional paths announced by discovery as-is.
	ExtraScripts []string

	// Exclude holds regular expressions matched against script names.
	// Matching scripts are skipped by exit reporting and discovery.
	Exclude []string
}

// Reporter validates its configuration once and then submits values for
// the hosting script.
type Reporter struct {
	cfg     Config
	sender  Sender
	exclude []*regexp.Regexp
	handler slog.Handler
	logger  *slog.Logger
	logFile *os.File
}

// New validates cfg and returns a ready Reporter. Each failure cause
// carries its own sentinel: ErrMissingEndpoint, ErrNotAFile and
// ErrNotReadable for the agent configuration, ErrLogCreate and
// ErrLogNotWritable for the log destination, ErrMissingDependency for
// the sender binary. A nil sender selects the zabbix_sender executable
// named in cfg; tests inject their own.
func New(cfg Config, sender Sender) (*Reporter, error) {
	if cfg.ScriptName == "" {
		cfg.ScriptName = filepath.Base(os.Args[0])
	}
	if cfg.SenderBinary == "" {
		cfg.SenderBinary = DefaultSenderBinary
	}
	if cfg.KeyRoot == "" {
		cfg.KeyRoot = DefaultKeyRoot
	}
	if cfg.SenderTimeout <= 0 {
		cfg.SenderTimeout = DefaultSenderTimeout
	}

	if strings.TrimSpace(cfg.AgentConfig) == "" {
		return nil, ErrMissingEndpoint
	}
	info, err := os.Stat(cfg.AgentConfig)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, cfg.AgentConfig)
	}
	probe, err := os.Open(cfg.AgentConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, cfg.AgentConfig)
	}
	probe.Close()

	exclude := make([]*regexp.Regexp, 0, len(cfg.Exclude))
	for _, pat := range cfg.Exclude {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pat, err)
		}
		exclude = append(exclude, re)
	}

	var logFile *os.File
	if cfg.LogFile != "" {
		logFile, err = os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			// Root writes regardless of mode bits, so only a non-root
			// user gets the writability verdict.
			if os.IsPermission(err) && os.Geteuid() != 0 {
				return nil, fmt.Errorf("%w: %s", ErrLogNotWritable, cfg.LogFile)
			}
			return nil, fmt.Errorf("%w: %v", ErrLogCreate, err)
		}
	}

	// Console output only when a human is attached. Cron runs stay
	// silent apart from the log file.
	var console io.Writer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		console = os.Stdout
	}
	var mirror io.Writer
	if logFile != nil {
		mirror = logFile
	}

	handler := NewLineHandler(cfg.ScriptName, console, mirror)
	logger := slog.New(handler)

	if sender == nil {
		s, err := zabbix.NewSender(cfg.SenderBinary, cfg.AgentConfig, cfg.SenderTimeout, nil, logger.With("component", "sender"))
		if err != nil {
			if logFile != nil {
				logFile.Close()
			}
			return nil, fmt.Errorf("%w: %v", ErrMissingDependency, err)
		}
		sender = s
	}

	return &Reporter{
		cfg:     cfg,
		sender:  sender,
		exclude: exclude,
		handler: handler,
		logger:  logger,
		logFile: logFile,
	}, nil
}

// ScriptName returns the identity used in keys and discovery.
func (r *Reporter) ScriptName() string {
	return r.cfg.ScriptName
}

// Logger returns a structured logger writing in the line format.
func (r *Reporter) Logger() *slog.Logger {
	return r.logger
}

// Sender returns the submission channel the Reporter itself uses, so
// tools can push their own items through the same agent.
func (r *Reporter) Sender() Sender {
	return r.sender
}

// Close releases the log file handle, if any.
func (r *Reporter) Close() error {
	if r.logFile != nil {
		return r.logFile.Close()
	}
	return nil
}

// Report submits one value into the slot vt of script. An empty script
// means the hosting script. Only the basename of script ends up in the
// key, callers may pass full paths. Failures come back wrapped in
// ErrSubmission and are additionally logged, so callers that must not
// die on a monitoring hiccup can drop the return.
func (r *Reporter) Report(ctx context.Context, script, value string, vt ValueType) error {
	if script == "" {
		script = r.cfg.ScriptName
	}
	name := filepath.Base(script)
	key := fmt.Sprintf("%s[%s,%s]", r.cfg.KeyRoot, name, vt)

	if err := r.sender.Send(ctx, []zabbix.Item{{Key: key, Value: value}}); err != nil {
		r.logger.Warn("Value submission failed",
			"key", key,
			"error", err)
		return fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	r.logger.Debug("Value submitted",
		"key", key,
		"value", value)
	return nil
}

// Clear resets all five metric slots of the hosting script: the code and
// line slots to zero and the runtime message to a note naming the
// function that triggered the reset. Each slot is reported on its own,
// and Clear only fails when every single reset was lost.
func (r *Reporter) Clear(ctx context.Context) error {
	caller := callerName(2)
	resets := []struct {
		vt    ValueType
		value string
	}{
		{ExitCode, "0"},
		{ExitLine, "0"},
		{ErrorCode, "0"},
		{ErrorLine, "0"},
		{RuntimeMessage, "Reset of last values triggered via " + caller},
	}

	failed := 0
	for _, reset := range resets {
		if err := r.Report(ctx, "", reset.value, reset.vt); err != nil {
			failed++
		}
	}
	if failed == len(resets) {
		return fmt.Errorf("%w: all %d reset submissions failed", ErrSubmission, failed)
	}
	return nil
}

// Log writes a free-form line at UNDEF severity, attributed to the
// calling function. Extra args are appended as key=value pairs.
func (r *Reporter) Log(msg string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	rec := slog.NewRecord(time.Now(), LevelUndef, msg, pcs[0])
	rec.Add(args...)
	_ = r.handler.Handle(context.Background(), rec)
}

// excludedScript reports whether name matches any exclusion pattern.
func (r *Reporter) excludedScript(name string) bool {
	for _, re := range r.exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// callerName resolves the function name skip frames up the stack.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "main"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "main"
	}
	return shortFuncName(fn.Name())
}
