// Package syncupdate keeps the router's syncthing binary on the latest
// GitHub release. OpenWrt's package feeds lag syncthing by months and a
// version mismatch against the other cluster members breaks folder
// sync, so the binary is pulled straight from upstream: compare
// versions, download the release tarball, verify its published sha256,
// swap the binary around a service restart. A state file spans the
// swap so an upgrade cut short by a crash or reboot can be explained
// afterwards.
package syncupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/wrtops/wrtops/internal/config"
	"github.com/wrtops/wrtops/internal/execx"
	"github.com/wrtops/wrtops/internal/fsutil"
	"github.com/wrtops/wrtops/internal/monitor"
	"github.com/wrtops/wrtops/internal/zabbix"
)

const (
	binaryMember  = "syncthing"
	checksumAsset = "sha256sum.txt.asc"
	stateName     = "upgrade.state.json"
)

var versionTokenRe = regexp.MustCompile(`\bv\d+\.\d+\.\d+[\w.+-]*`)

// Updater carries one upgrade check through download, verification and
// binary swap.
type Updater struct {
	cfg      config.SyncthingConfig
	runner   execx.Runner
	sender   monitor.Sender
	obs      monitor.Observer
	logger   *slog.Logger
	releases *releaseClient
}

// New returns an Updater for the configured repository. An empty Arch
// falls back to the architecture this binary was built for, which on a
// router is the right answer.
func New(cfg config.SyncthingConfig, runner execx.Runner, sender monitor.Sender, obs monitor.Observer, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default().With("component", "syncupdate")
	}
	if cfg.Arch == "" {
		cfg.Arch = runtime.GOARCH
	}
	return &Updater{
		cfg:      cfg,
		runner:   runner,
		sender:   sender,
		obs:      obs,
		logger:   logger,
		releases: newReleaseClient(cfg.APIURL, cfg.GetTimeout()),
	}
}

// Run compares the installed version against the latest release and
// upgrades when the release is newer. Either way the version that ends
// up running is pushed as syncthing.version.
func (u *Updater) Run(ctx context.Context) error {
	u.warnStaleState()

	installed, err := u.installedVersion(ctx)
	if err != nil {
		if oerr := u.obs.Observe(err); oerr != nil {
			return oerr
		}
		return err
	}

	latest, err := u.releases.latest(ctx, u.cfg.Repo)
	if err != nil {
		if oerr := u.obs.Observe(err); oerr != nil {
			return oerr
		}
		return err
	}

	if !semver.IsValid(latest.TagName) {
		err := fmt.Errorf("release tag %q is not a version", latest.TagName)
		if oerr := u.obs.Observe(err); oerr != nil {
			return oerr
		}
		return err
	}

	if semver.Compare(latest.TagName, installed) <= 0 {
		u.logger.Info("Installed syncthing is current",
			"installed", installed,
			"latest", latest.TagName)
		return u.pushVersion(ctx, installed)
	}

	u.logger.Info("Upgrading syncthing",
		"installed", installed,
		"latest", latest.TagName)

	if err := u.upgrade(ctx, installed, latest); err != nil {
		if oerr := u.obs.Observe(err); oerr != nil {
			return oerr
		}
		return err
	}

	return u.pushVersion(ctx, latest.TagName)
}

// installedVersion asks the installed binary for its release tag.
func (u *Updater) installedVersion(ctx context.Context) (string, error) {
	out, err := u.runner.Run(ctx, nil, u.cfg.Binary, "--version")
	if err != nil {
		return "", fmt.Errorf("query installed version: %w", err)
	}
	return parseVersionOutput(out)
}

// parseVersionOutput pulls the release tag out of `syncthing --version`
// output, a line like `syncthing v1.27.8 "Gold Grasshopper" (...)`.
func parseVersionOutput(out []byte) (string, error) {
	m := versionTokenRe.Find(out)
	if m == nil {
		return "", fmt.Errorf("no version token in %q", strings.TrimSpace(string(out)))
	}
	return string(m), nil
}

// upgrade downloads, verifies and installs the release around a service
// stop/start. The state file is written before anything irreversible
// happens and removed only once the service is back up.
func (u *Updater) upgrade(ctx context.Context, installed string, latest *Release) error {
	assetName := fmt.Sprintf("syncthing-linux-%s-%s.tar.gz", u.cfg.Arch, latest.TagName)
	asset, err := latest.findAsset(assetName)
	if err != nil {
		return err
	}
	sumsAsset, err := latest.findAsset(checksumAsset)
	if err != nil {
		return err
	}

	var sums strings.Builder
	if err := u.releases.fetch(ctx, sumsAsset.BrowserDownloadURL, &sums); err != nil {
		return err
	}
	want, ok := parseChecksums([]byte(sums.String()))[assetName]
	if !ok {
		return fmt.Errorf("%s does not list %s", checksumAsset, assetName)
	}

	if err := os.MkdirAll(u.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	tarball := filepath.Join(u.cfg.WorkDir, assetName)
	if err := u.download(ctx, asset, tarball, want); err != nil {
		return err
	}
	defer os.Remove(tarball)

	if err := u.writeState(installed, latest.TagName); err != nil {
		return err
	}

	replacement := u.cfg.Binary + ".new"
	if err := u.extractBinary(tarball, replacement); err != nil {
		return err
	}

	if _, err := u.runner.Run(ctx, nil, u.cfg.InitScript, "stop"); err != nil {
		return fmt.Errorf("stop syncthing service: %w", err)
	}
	if err := os.Rename(replacement, u.cfg.Binary); err != nil {
		return fmt.Errorf("install replacement binary: %w", err)
	}
	if _, err := u.runner.Run(ctx, nil, u.cfg.InitScript, "start"); err != nil {
		return fmt.Errorf("start syncthing service: %w", err)
	}

	u.clearState()
	u.logger.Info("Syncthing upgraded",
		"from", installed,
		"to", latest.TagName)
	return nil
}

// download streams the asset to path, verifying its sha256 on the way.
func (u *Updater) download(ctx context.Context, asset *Asset, path, wantSum string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if err := u.releases.fetch(ctx, asset.BrowserDownloadURL, io.MultiWriter(f, h)); err != nil {
		os.Remove(path)
		return err
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != wantSum {
		os.Remove(path)
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", asset.Name, got, wantSum)
	}

	u.logger.Info("Release downloaded",
		"asset", asset.Name,
		"bytes", asset.Size)
	return nil
}

// extractBinary unpacks the syncthing member of the tarball to path,
// executable and synced, ready to be renamed over the live binary. The
// destination sits next to the live binary so the rename stays on one
// filesystem.
func (u *Updater) extractBinary(tarball, path string) error {
	in, err := os.Open(tarball)
	if err != nil {
		return fmt.Errorf("open downloaded archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create replacement binary: %w", err)
	}

	if err := extractMember(in, binaryMember, out); err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync replacement binary: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close replacement binary: %w", err)
	}
	return nil
}

// pushVersion reports the version that is running after this check.
func (u *Updater) pushVersion(ctx context.Context, version string) error {
	err := u.sender.Send(ctx, []zabbix.Item{{
		Key:   "syncthing.version",
		Value: version,
	}})
	if err != nil {
		return fmt.Errorf("push syncthing version: %w", err)
	}
	return nil
}

// transitionState is what remains on disk when an upgrade dies between
// stopping the service and starting it again.
type transitionState struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	StartedAt time.Time `json:"started_at"`
}

func (u *Updater) statePath() string {
	return filepath.Join(u.cfg.WorkDir, stateName)
}

func (u *Updater) writeState(from, to string) error {
	data, err := json.Marshal(transitionState{From: from, To: to, StartedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode upgrade state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(u.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("write upgrade state: %w", err)
	}
	return nil
}

func (u *Updater) clearState() {
	if err := os.Remove(u.statePath()); err != nil && !os.IsNotExist(err) {
		u.logger.Warn("Could not remove upgrade state file",
			"path", u.statePath(),
			"error", err)
	}
}

// warnStaleState flags a state file left behind by an interrupted
// earlier run. The run continues; a fresh attempt either finishes the
// job or rewrites the file.
func (u *Updater) warnStaleState() {
	data, err := os.ReadFile(u.statePath())
	if err != nil {
		return
	}
	var st transitionState
	if err := json.Unmarshal(data, &st); err != nil {
		u.logger.Warn("Unreadable upgrade state file",
			"path", u.statePath())
		return
	}
	u.logger.Warn("Previous upgrade did not finish",
		"from", st.From,
		"to", st.To,
		"started_at", st.StartedAt)
}
