package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrtops/wrtops/internal/backup"
	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/dnsmasq"
	"github.com/wrtops/wrtops/internal/dnsprobe"
	"github.com/wrtops/wrtops/internal/execx"
	"github.com/wrtops/wrtops/internal/monitor"
	"github.com/wrtops/wrtops/internal/syncupdate"
)

const (
	defaultConfigPath = "/etc/wrtops/config.yaml"

	// discoveryArg is the positional token the monitoring templates pass
	// to request the discovery document instead of a normal run.
	discoveryArg = "lowLevelDiscovery"

	// exitDiscovery tells a failed discovery apart from a failed body.
	exitDiscovery = 3
)

// deps is what a tool body gets to work with once the reporting
// lifecycle is up.
type deps struct {
	cfg *config.Config
	rep *monitor.Reporter
	sup *monitor.Supervisor
}

var dnsLatencyCmd = &cobra.Command{
	Use:   "dns-latency [lowLevelDiscovery]",
	Short: "Time one A lookup against every configured resolver",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, args, func(ctx context.Context, d deps) error {
			return dnsprobe.New(d.cfg.DNSProbe, d.rep.Sender(), d.sup, d.rep.Logger()).Run(ctx)
		})
	},
}

var dnsmasqStatsCmd = &cobra.Command{
	Use:   "dnsmasq-stats [lowLevelDiscovery]",
	Short: "Collect dnsmasq cache counters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, args, func(ctx context.Context, d deps) error {
			return dnsmasq.New(d.cfg.Dnsmasq, d.rep.Sender(), d.sup, d.rep.Logger()).Run(ctx)
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [lowLevelDiscovery]",
	Short: "Archive router configuration and data onto the network share",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, args, func(ctx context.Context, d deps) error {
			runner := execx.NewLocal(d.cfg.Backup.GetTimeout(), d.rep.Logger())
			return backup.New(d.cfg.Backup, runner, d.rep.Sender(), d.sup, d.rep.Logger()).Run(ctx)
		})
	},
}

var syncUpdateCmd = &cobra.Command{
	Use:   "syncthing-update [lowLevelDiscovery]",
	Short: "Upgrade syncthing to the latest GitHub release",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTool(cmd, args, func(ctx context.Context, d deps) error {
			runner := execx.NewLocal(d.cfg.Syncthing.GetTimeout(), d.rep.Logger())
			return syncupdate.New(d.cfg.Syncthing, runner, d.rep.Sender(), d.sup, d.rep.Logger()).Run(ctx)
		})
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the low level discovery document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rep, err := newReporter(cmd)
		if err != nil {
			return err
		}
		defer rep.Close()
		return publishDiscovery(cmd, rep)
	},
}

// newReporter loads the configuration and builds the Reporter under the
// effective script identity.
func newReporter(cmd *cobra.Command) (*config.Config, *monitor.Reporter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	name := scriptName
	if name == "" {
		name = cmd.Name()
	}
	rep, err := monitor.New(cfg.Monitor.ReporterConfig(name), nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rep, nil
}

// runTool wraps a tool body with the full reporting lifecycle. With the
// lowLevelDiscovery argument the body never runs, the discovery
// document goes to stdout instead.
func runTool(cmd *cobra.Command, args []string, body func(context.Context, deps) error) error {
	if len(args) == 1 && args[0] != discoveryArg {
		return fmt.Errorf("unknown argument %q, only %q is accepted", args[0], discoveryArg)
	}

	cfg, rep, err := newReporter(cmd)
	if err != nil {
		return err
	}
	defer rep.Close()

	if len(args) == 1 {
		return publishDiscovery(cmd, rep)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := monitor.NewSupervisor(rep)
	d := deps{cfg: cfg, rep: rep, sup: sup}

	if code := sup.Run(ctx, func(ctx context.Context) error {
		return body(ctx, d)
	}); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// publishDiscovery prints the discovery JSON the monitoring backend
// consumes for auto-configuration.
func publishDiscovery(cmd *cobra.Command, rep *monitor.Reporter) error {
	doc, err := monitor.NewDiscovery(rep).Publish(cmd.Context())
	if err != nil {
		rep.Logger().Error("Discovery failed",
			"error", err)
		return &exitError{code: exitDiscovery}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(doc))
	return nil
}
