package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wrtops/wrtops/internal/fsutil"
)

const snapshotName = "packages.txt"

// snapshotPackages captures the opkg inventory onto the share and
// returns how many packages changed against the previous snapshot. The
// first run writes a baseline and reports zero changes.
func (a *Archiver) snapshotPackages(ctx context.Context) (int, error) {
	out, err := a.runner.Run(ctx, nil, "opkg", "list-installed")
	if err != nil {
		return 0, fmt.Errorf("list installed packages: %w", err)
	}
	current := parsePackageList(out)

	snapshotPath := filepath.Join(a.cfg.Mountpoint, snapshotName)
	changed := 0
	prev, err := os.ReadFile(snapshotPath)
	switch {
	case err == nil:
		changed = diffPackages(parsePackageList(prev), current)
	case os.IsNotExist(err):
		a.logger.Info("No previous package snapshot, writing baseline")
	default:
		return 0, fmt.Errorf("read previous package snapshot: %w", err)
	}

	if err := fsutil.WriteFileAtomic(snapshotPath, out, 0o644); err != nil {
		return 0, fmt.Errorf("write package snapshot: %w", err)
	}

	a.logger.Info("Package inventory captured",
		"packages", len(current),
		"changed", changed)
	return changed, nil
}

// parsePackageList maps "name - version" lines onto name to version.
func parsePackageList(out []byte) map[string]string {
	pkgs := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && fields[1] == "-" {
			pkgs[fields[0]] = fields[2]
		}
	}
	return pkgs
}

// diffPackages counts installs, removals and version changes between
// two inventories.
func diffPackages(previous, current map[string]string) int {
	changed := 0
	for name, version := range current {
		if prev, ok := previous[name]; !ok || prev != version {
			changed++
		}
	}
	for name := range previous {
		if _, ok := current[name]; !ok {
			changed++
		}
	}
	return changed
}
