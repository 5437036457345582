// Package zabbix submits item values to a Zabbix server by driving the
// zabbix_sender executable that ships with the agent. Values travel on
// stdin in the input-file format, one "<host> <key> <value>" line per
// item, so a whole batch costs a single process spawn.
package zabbix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wrtops/wrtops/internal/execx"
)

// Item is a single value bound for the server. An empty Host stands for
// "-", which tells zabbix_sender to take the hostname from the agent
// configuration file.
type Item struct {
	Host  string
	Key   string
	Value string
}

// Line renders the item in zabbix_sender input-file syntax. Values that
// contain whitespace or quotes are double-quoted so the sender does not
// split them.
func (it Item) Line() string {
	host := it.Host
	if host == "" {
		host = "-"
	}
	return fmt.Sprintf("%s %s %s\n", host, it.Key, quoteValue(it.Value))
}

func quoteValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// Sender pushes item batches through zabbix_sender using the agent
// configuration file for server address and hostname.
type Sender struct {
	binary      string
	agentConfig string
	runner      execx.Runner
	logger      *slog.Logger
}

// NewSender resolves the sender binary on PATH and returns a Sender that
// reads server coordinates from agentConfig. A nil runner falls back to
// local execution with the given timeout.
func NewSender(binary, agentConfig string, timeout time.Duration, runner execx.Runner, logger *slog.Logger) (*Sender, error) {
	if binary == "" {
		binary = "zabbix_sender"
	}
	if logger == nil {
		logger = slog.Default().With("component", "zabbix_sender")
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, err
	}

	if runner == nil {
		runner = execx.NewLocal(timeout, logger)
	}

	return &Sender{
		binary:      path,
		agentConfig: agentConfig,
		runner:      runner,
		logger:      logger,
	}, nil
}

// Send submits all items in one zabbix_sender invocation. It fails when
// the process errors out or when the server summary reports that any
// item was rejected. An empty batch is a no-op.
func (s *Sender) Send(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	var payload bytes.Buffer
	for _, it := range items {
		payload.WriteString(it.Line())
	}

	batchID := uuid.New().String()
	s.logger.Debug("Submitting batch",
		"batch_id", batchID,
		"items", len(items))

	out, err := s.runner.Run(ctx, payload.Bytes(), s.binary, "-c", s.agentConfig, "-i", "-")
	if err != nil {
		return fmt.Errorf("submit %d item(s): %w", len(items), err)
	}

	if failed, total, ok := parseSummary(string(out)); ok && failed > 0 {
		return fmt.Errorf("server rejected %d of %d item(s)", failed, total)
	}

	s.logger.Debug("Batch accepted",
		"batch_id", batchID)

	return nil
}

var summaryRe = regexp.MustCompile(`processed: (\d+); failed: (\d+); total: (\d+)`)

// parseSummary extracts the server-side tallies from zabbix_sender
// output. The exit code alone does not reveal per-item rejections, the
// "info from server" line does.
func parseSummary(out string) (failed, total int, ok bool) {
	m := summaryRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, false
	}
	failed, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(m[3])
	if err != nil {
		return 0, 0, false
	}
	return failed, total, true
}
