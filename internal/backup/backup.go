// Package backup copies the router's configuration and selected data
// directories onto a mounted network share. The share must actually be
// mounted before anything is written: writing into an unmounted
// mountpoint lands on the overlay filesystem and eats router flash.
// Besides the files themselves the run leaves two numbers on the
// monitoring server, how many opkg packages changed since the last run
// and how long the whole backup took.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/execx"
	"github.com/wrtops/wrtops/internal/monitor"
	"github.com/wrtops/wrtops/internal/zabbix"
)

// Archiver drives one backup run onto the configured share.
type Archiver struct {
	cfg        config.BackupConfig
	runner     execx.Runner
	sender     monitor.Sender
	obs        monitor.Observer
	logger     *slog.Logger
	mountsPath string
}

// New returns an Archiver executing through runner.
func New(cfg config.BackupConfig, runner execx.Runner, sender monitor.Sender, obs monitor.Observer, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default().With("component", "backup")
	}
	return &Archiver{
		cfg:        cfg,
		runner:     runner,
		sender:     sender,
		obs:        obs,
		logger:     logger,
		mountsPath: "/proc/mounts",
	}
}

// Run performs the three backup phases: package inventory snapshot,
// sysupgrade config archive and one rsync per data directory. A failed
// phase is reported to the observer and the run continues, but any
// failure fails the run as a whole. Metrics for the phases that did
// succeed are pushed either way; the duration only counts on a fully
// clean run.
func (a *Archiver) Run(ctx context.Context) error {
	start := time.Now()

	if err := a.checkMounted(); err != nil {
		return err
	}

	items := make([]zabbix.Item, 0, 2)
	failures := 0

	changed, err := a.snapshotPackages(ctx)
	if err != nil {
		failures++
		if oerr := a.obs.Observe(err); oerr != nil {
			return oerr
		}
	} else {
		items = append(items, zabbix.Item{
			Key:   "backup.pkg.changed",
			Value: strconv.Itoa(changed),
		})
	}

	if err := a.archiveConfig(ctx); err != nil {
		failures++
		if oerr := a.obs.Observe(err); oerr != nil {
			return oerr
		}
	}

	for _, dir := range a.cfg.DataDirs {
		if err := a.syncDir(ctx, dir); err != nil {
			failures++
			if oerr := a.obs.Observe(err); oerr != nil {
				return oerr
			}
		}
	}

	elapsed := time.Since(start)
	if failures == 0 {
		items = append(items, zabbix.Item{
			Key:   "backup.duration",
			Value: strconv.FormatInt(int64(elapsed.Seconds()), 10),
		})
	}

	if len(items) > 0 {
		if err := a.sender.Send(ctx, items); err != nil {
			return fmt.Errorf("push backup metrics: %w", err)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d backup phase(s) failed", failures)
	}

	a.logger.Info("Backup completed",
		"duration", elapsed,
		"target", a.cfg.Mountpoint)
	return nil
}

// checkMounted verifies the share is mounted at the configured
// mountpoint with an acceptable filesystem type.
func (a *Archiver) checkMounted() error {
	if a.cfg.Mountpoint == "" {
		return fmt.Errorf("no backup mountpoint configured")
	}

	f, err := os.Open(a.mountsPath)
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	defer f.Close()

	entries, err := parseMounts(f)
	if err != nil {
		return fmt.Errorf("parse mount table: %w", err)
	}

	entry := findMount(entries, a.cfg.Mountpoint)
	if entry == nil {
		return fmt.Errorf("%s is not mounted, refusing to write onto the overlay", a.cfg.Mountpoint)
	}
	if len(a.cfg.FSTypes) > 0 && !slices.Contains(a.cfg.FSTypes, entry.FSType) {
		return fmt.Errorf("%s is mounted as %s, want one of %v", a.cfg.Mountpoint, entry.FSType, a.cfg.FSTypes)
	}

	a.logger.Info("Backup share mounted",
		"mountpoint", a.cfg.Mountpoint,
		"fstype", entry.FSType,
		"device", entry.Device)
	return nil
}

// archiveConfig writes a sysupgrade config archive onto the share,
// named after host and day so a week of dailies coexists.
func (a *Archiver) archiveConfig(ctx context.Context) error {
	name := fmt.Sprintf("config-%s-%s.tar.gz", hostname(), time.Now().Format("2006-01-02"))
	dest := filepath.Join(a.cfg.Mountpoint, name)

	if _, err := a.runner.Run(ctx, nil, "sysupgrade", "-b", dest); err != nil {
		return fmt.Errorf("archive system config: %w", err)
	}

	a.logger.Info("Config archived",
		"archive", dest)
	return nil
}

// syncDir mirrors one data directory onto the share.
func (a *Archiver) syncDir(ctx context.Context, dir string) error {
	dest := filepath.Join(a.cfg.Mountpoint, filepath.Base(dir)) + "/"
	args := append(slices.Clone(a.cfg.RsyncArgs), dir+"/", dest)

	if _, err := a.runner.Run(ctx, nil, "rsync", args...); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}

	a.logger.Info("Directory synced",
		"source", dir,
		"dest", dest)
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "router"
	}
	return h
}
