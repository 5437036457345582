// Package dnsprobe measures how fast the configured resolvers answer a
// plain A lookup. Slow upstream DNS is the most common "the internet
// feels broken" cause on a home router, so the per-resolver round-trip
// times and the worst case of the batch go to the monitoring server on
// every run.
package dnsprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/monitor"
	"github.com/wrtops/wrtops/internal/zabbix"
)

// Prober times one lookup against every configured resolver.
type Prober struct {
	cfg    config.DNSProbeConfig
	sender monitor.Sender
	obs    monitor.Observer
	logger *slog.Logger
}

// New returns a Prober pushing through sender and reporting failed
// probes to obs.
func New(cfg config.DNSProbeConfig, sender monitor.Sender, obs monitor.Observer, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default().With("component", "dnsprobe")
	}
	return &Prober{
		cfg:    cfg,
		sender: sender,
		obs:    obs,
		logger: logger,
	}
}

// Run probes every resolver once and pushes one dns.query.time item per
// answering resolver plus dns.query.time.max for the slowest of them. A
// resolver that fails its probe is reported to the observer and skipped;
// the run only fails outright when no resolver answered at all or the
// final push is lost.
func (p *Prober) Run(ctx context.Context) error {
	if len(p.cfg.Resolvers) == 0 {
		return fmt.Errorf("no resolvers configured")
	}

	client := &dns.Client{Timeout: p.cfg.GetTimeout()}

	items := make([]zabbix.Item, 0, len(p.cfg.Resolvers)+1)
	var worst time.Duration
	failures := 0

	for _, resolver := range p.cfg.Resolvers {
		rtt, err := p.query(ctx, client, withDefaultPort(resolver))
		if err != nil {
			failures++
			if oerr := p.obs.Observe(fmt.Errorf("probe %s via %s: %w", p.cfg.ProbeName, resolver, err)); oerr != nil {
				return oerr
			}
			continue
		}

		ms := rtt.Milliseconds()
		p.logger.Info("Resolver answered",
			"resolver", resolver,
			"rtt_ms", ms)

		items = append(items, zabbix.Item{
			Key:   fmt.Sprintf("dns.query.time[%s]", resolver),
			Value: strconv.FormatInt(ms, 10),
		})
		if rtt > worst {
			worst = rtt
		}
	}

	if len(items) == 0 {
		return fmt.Errorf("all %d resolver probes failed", failures)
	}

	items = append(items, zabbix.Item{
		Key:   "dns.query.time.max",
		Value: strconv.FormatInt(worst.Milliseconds(), 10),
	})

	if err := p.sender.Send(ctx, items); err != nil {
		return fmt.Errorf("push resolver latencies: %w", err)
	}
	return nil
}

func (p *Prober) query(ctx context.Context, client *dns.Client, addr string) (time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(p.cfg.ProbeName), dns.TypeA)

	resp, rtt, err := client.ExchangeContext(ctx, m, addr)
	if err != nil {
		return 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}
	return rtt, nil
}

// withDefaultPort appends :53 unless the resolver already names a port.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}
