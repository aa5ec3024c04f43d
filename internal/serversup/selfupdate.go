package serversup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// UpdateChecker resolves the latest published CLI version and where to
// download it, mirroring ReleaseResolver's manifest-lookup shape but for
// the gateway binary itself rather than the editor server.
type UpdateChecker interface {
	LatestVersion(ctx context.Context) (version string, spec DownloadSpec, err error)
}

// HTTPUpdateChecker queries a CLI version manifest over HTTP.
type HTTPUpdateChecker struct {
	ManifestURL string
	Client      *http.Client
}

func (c *HTTPUpdateChecker) LatestVersion(ctx context.Context) (string, DownloadSpec, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ManifestURL, nil)
	if err != nil {
		return "", DownloadSpec{}, xerrors.Wrap(xerrors.InvalidInput, "build update manifest request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", DownloadSpec{}, xerrors.Wrap(xerrors.Unavailable, "query update manifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", DownloadSpec{}, xerrors.New(xerrors.External, fmt.Sprintf("update manifest returned %d", resp.StatusCode))
	}

	var body struct {
		Version string `json:"version"`
		URL     string `json:"url"`
		Archive string `json:"archive"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", DownloadSpec{}, xerrors.Wrap(xerrors.Transport, "read update manifest body", err)
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", DownloadSpec{}, xerrors.Wrap(xerrors.Corrupt, "parse update manifest body", err)
	}

	format := ArchiveTarGz
	if body.Archive == "zip" {
		format = ArchiveZip
	}
	return body.Version, DownloadSpec{URL: body.URL, Archive: format}, nil
}

// SetUpdateChecker wires the optional self-update collaborator; CLI
// builds that never self-update (e.g. package-manager installs) leave
// this unset.
func (i *Installer) SetUpdateChecker(c UpdateChecker) { i.updateChecker = c }

// CheckUpToDate reports whether currentVersion matches the latest
// published version. Absent an UpdateChecker, the gateway treats itself
// as always up to date (spec.md §4.G's `update` is a no-op on such
// builds).
func (i *Installer) CheckUpToDate(ctx context.Context, currentVersion string) (bool, error) {
	if i.updateChecker == nil {
		return true, nil
	}
	latest, _, err := i.updateChecker.LatestVersion(ctx)
	if err != nil {
		return false, err
	}
	return latest == currentVersion, nil
}

// SelfUpdate downloads the latest CLI archive and replaces the running
// executable in place (rename over the old binary, the same atomic-swap
// idiom the download cache uses for server installs).
func (i *Installer) SelfUpdate(ctx context.Context, currentVersion string) error {
	if i.updateChecker == nil {
		return xerrors.New(xerrors.Unavailable, "no update checker configured")
	}
	_, spec, err := i.updateChecker.LatestVersion(ctx)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp("", "gatewayd-selfupdate-*")
	if err != nil {
		return xerrors.Wrap(xerrors.Transport, "create self-update staging dir", err)
	}
	defer os.RemoveAll(staging)

	if err := i.downloadAndExtract(ctx, spec, staging); err != nil {
		return err
	}

	exePath, err := os.Executable()
	if err != nil {
		return xerrors.Wrap(xerrors.Unavailable, "locate running executable", err)
	}
	newBinary := staging + "/gatewayd"
	if _, err := os.Stat(newBinary); err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "self-update archive missing gatewayd binary", err)
	}
	if err := os.Chmod(newBinary, 0o755); err != nil {
		return xerrors.Wrap(xerrors.Transport, "chmod new binary", err)
	}
	if err := os.Rename(newBinary, exePath); err != nil {
		return xerrors.Wrap(xerrors.Transport, "swap in updated binary", err)
	}
	return nil
}
