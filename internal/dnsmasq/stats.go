// Package dnsmasq collects cache statistics from a running dnsmasq
// instance. dnsmasq exposes its counters the BIND way, as TXT records
// in the CHAOS class (cachesize.bind, hits.bind and friends), so one
// UDP query per counter is all it takes. No log scraping, no signals.
package dnsmasq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/monitor"
	"github.com/wrtops/wrtops/internal/zabbix"
)

// statNames are the CHAOS TXT counters dnsmasq answers, in push order.
var statNames = []string{"cachesize", "insertions", "evictions", "misses", "hits"}

// Collector queries one dnsmasq instance and pushes its counters.
type Collector struct {
	cfg    config.DnsmasqConfig
	sender monitor.Sender
	obs    monitor.Observer
	logger *slog.Logger
}

// New returns a Collector for the dnsmasq instance at cfg.Addr.
func New(cfg config.DnsmasqConfig, sender monitor.Sender, obs monitor.Observer, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default().With("component", "dnsmasq")
	}
	return &Collector{
		cfg:    cfg,
		sender: sender,
		obs:    obs,
		logger: logger,
	}
}

// Run queries every counter and pushes them as dnsmasq.<name> items. A
// counter that cannot be read is reported to the observer and skipped;
// the run fails when no counter was readable or the push is lost.
func (c *Collector) Run(ctx context.Context) error {
	client := &dns.Client{Net: "udp", Timeout: c.cfg.GetTimeout()}

	items := make([]zabbix.Item, 0, len(statNames))
	for _, stat := range statNames {
		value, err := c.queryStat(ctx, client, stat)
		if err != nil {
			if oerr := c.obs.Observe(fmt.Errorf("read %s: %w", stat, err)); oerr != nil {
				return oerr
			}
			continue
		}

		c.logger.Debug("Counter read",
			"stat", stat,
			"value", value)

		items = append(items, zabbix.Item{
			Key:   "dnsmasq." + stat,
			Value: value,
		})
	}

	if len(items) == 0 {
		return fmt.Errorf("no counters readable from %s", c.cfg.Addr)
	}

	if err := c.sender.Send(ctx, items); err != nil {
		return fmt.Errorf("push dnsmasq counters: %w", err)
	}
	return nil
}

// queryStat asks for <stat>.bind in the CHAOS class and returns the
// numeric counter carried in the TXT answer.
func (c *Collector) queryStat(ctx context.Context, client *dns.Client, stat string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(stat+".bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS

	resp, _, err := client.ExchangeContext(ctx, m, c.cfg.Addr)
	if err != nil {
		return "", err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}

	value, err := txtValue(resp)
	if err != nil {
		return "", err
	}
	return value, nil
}

// txtValue extracts the counter from the first TXT answer. Multi-string
// records are concatenated, which is how TXT payloads longer than 255
// bytes travel.
func txtValue(resp *dns.Msg) (string, error) {
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		value := strings.Join(txt.Txt, "")
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return "", fmt.Errorf("unexpected TXT payload %q", value)
		}
		return value, nil
	}
	return "", fmt.Errorf("answer carries no TXT record")
}
