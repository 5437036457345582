package dnsmasq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/zabbix"
)

type mockSender struct {
	SendFunc func(ctx context.Context, items []zabbix.Item) error
	items    []zabbix.Item
}

func (m *mockSender) Send(ctx context.Context, items []zabbix.Item) error {
	m.items = append(m.items, items...)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, items)
	}
	return nil
}

type mockObserver struct {
	ObserveFunc func(err error) error
	observed    []error
}

func (m *mockObserver) Observe(err error) error {
	if err == nil {
		return nil
	}
	m.observed = append(m.observed, err)
	if m.ObserveFunc != nil {
		return m.ObserveFunc(err)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startDnsmasq runs a local UDP server that answers CHAOS TXT counter
// queries from the given table and refuses everything else.
func startDnsmasq(t *testing.T, counters map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		q := req.Question[0]
		stat := strings.TrimSuffix(q.Name, ".bind.")
		m := new(dns.Msg)
		if value, ok := counters[stat]; ok && q.Qclass == dns.ClassCHAOS {
			m.SetReply(req)
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 0},
				Txt: []string{value},
			})
		} else {
			m.SetRcode(req, dns.RcodeRefused)
		}
		w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func allCounters() map[string]string {
	return map[string]string{
		"cachesize":  "10000",
		"insertions": "5321",
		"evictions":  "12",
		"misses":     "940",
		"hits":       "48211",
	}
}

func collectorConfig(addr string) config.DnsmasqConfig {
	return config.DnsmasqConfig{
		Addr:      addr,
		TimeoutMS: 2000,
	}
}

func TestRunPushesAllCounters(t *testing.T) {
	addr := startDnsmasq(t, allCounters())
	sender := &mockSender{}
	obs := &mockObserver{}

	c := New(collectorConfig(addr), sender, obs, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(obs.observed) != 0 {
		t.Errorf("observed errors = %v, want none", obs.observed)
	}

	want := []zabbix.Item{
		{Key: "dnsmasq.cachesize", Value: "10000"},
		{Key: "dnsmasq.insertions", Value: "5321"},
		{Key: "dnsmasq.evictions", Value: "12"},
		{Key: "dnsmasq.misses", Value: "940"},
		{Key: "dnsmasq.hits", Value: "48211"},
	}
	if len(sender.items) != len(want) {
		t.Fatalf("pushed %d items, want %d: %v", len(sender.items), len(want), sender.items)
	}
	for i, it := range want {
		if sender.items[i] != it {
			t.Errorf("item[%d] = %v, want %v", i, sender.items[i], it)
		}
	}
}

func TestRunSkipsUnreadableCounter(t *testing.T) {
	counters := allCounters()
	delete(counters, "evictions")
	addr := startDnsmasq(t, counters)
	sender := &mockSender{}
	obs := &mockObserver{}

	c := New(collectorConfig(addr), sender, obs, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(obs.observed) != 1 {
		t.Fatalf("observed %d errors, want 1: %v", len(obs.observed), obs.observed)
	}
	if !strings.Contains(obs.observed[0].Error(), "evictions") {
		t.Errorf("observed error = %v, want the counter name", obs.observed[0])
	}
	if len(sender.items) != 4 {
		t.Errorf("pushed %d items, want 4", len(sender.items))
	}
}

func TestRunNothingReadable(t *testing.T) {
	addr := startDnsmasq(t, map[string]string{})
	sender := &mockSender{}
	obs := &mockObserver{}

	c := New(collectorConfig(addr), sender, obs, testLogger())
	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("Run() error = nil, want failure when nothing was readable")
	}
	if !strings.Contains(err.Error(), "no counters readable") {
		t.Errorf("Run() error = %q", err)
	}
	if len(sender.items) != 0 {
		t.Errorf("pushed %d items, want none", len(sender.items))
	}
}

func TestRunAbortsWhenObserverSaysSo(t *testing.T) {
	counters := allCounters()
	delete(counters, "cachesize")
	addr := startDnsmasq(t, counters)
	sender := &mockSender{}
	obs := &mockObserver{
		ObserveFunc: func(err error) error { return err },
	}

	c := New(collectorConfig(addr), sender, obs, testLogger())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want abort from observer")
	}
	if len(sender.items) != 0 {
		t.Errorf("pushed %d items after abort, want none", len(sender.items))
	}
}

func TestRunPushFailure(t *testing.T) {
	addr := startDnsmasq(t, allCounters())
	sender := &mockSender{
		SendFunc: func(ctx context.Context, items []zabbix.Item) error {
			return errors.New("agent down")
		},
	}

	c := New(collectorConfig(addr), sender, &mockObserver{}, testLogger())
	if err := c.Run(context.Background()); err == nil {
		t.Error("Run() error = nil, want push failure")
	}
}

func TestTxtValue(t *testing.T) {
	txt := func(strs ...string) *dns.Msg {
		m := new(dns.Msg)
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: "hits.bind.", Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
			Txt: strs,
		})
		return m
	}

	tests := []struct {
		name     string
		resp     *dns.Msg
		expected string
		wantErr  bool
	}{
		{
			name:     "single string",
			resp:     txt("48211"),
			expected: "48211",
		},
		{
			name:     "multi string payload is concatenated",
			resp:     txt("482", "11"),
			expected: "48211",
		},
		{
			name:    "non-numeric payload",
			resp:    txt("not-a-counter"),
			wantErr: true,
		},
		{
			name:    "no answers",
			resp:    new(dns.Msg),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := txtValue(tt.resp)
			if tt.wantErr {
				if err == nil {
					t.Errorf("txtValue() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("txtValue() error = %v", err)
			}
			if got != tt.expected {
				t.Errorf("txtValue() = %q, want %q", got, tt.expected)
			}
		})
	}
}
