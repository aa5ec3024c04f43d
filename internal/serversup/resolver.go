package serversup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// DownloadSpec is what a ReleaseResolver produces: where to fetch the
// archive for a given release, and which extraction format applies.
type DownloadSpec struct {
	URL      string
	Archive  ArchiveFormat
}

// ArchiveFormat distinguishes the two archive shapes spec.md §4.D names.
type ArchiveFormat int

const (
	ArchiveTarGz ArchiveFormat = iota
	ArchiveZip
)

// ReleaseResolver maps a requested (quality, commit) pair to a concrete
// download location. Grounded on original_source's version manifest
// lookup (resolving a requested editor version/quality against a remote
// "server-releases" manifest) which spec.md's distillation omits but which
// ensure_installed needs a concrete collaborator for.
type ReleaseResolver interface {
	Resolve(ctx context.Context, release model.Release) (DownloadSpec, error)
}

// HTTPReleaseResolver queries a releases manifest endpoint over HTTP. No
// pack library provides a release-manifest client, so this uses the
// standard library directly (see DESIGN.md).
type HTTPReleaseResolver struct {
	ManifestBaseURL string
	Client          *http.Client
}

func (r *HTTPReleaseResolver) Resolve(ctx context.Context, release model.Release) (DownloadSpec, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/commits/%s/server-%s", r.ManifestBaseURL, release.Commit, release.Platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DownloadSpec{}, xerrors.Wrap(xerrors.InvalidInput, "build manifest request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return DownloadSpec{}, xerrors.Wrap(xerrors.Unavailable, "query release manifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 4 {
		return DownloadSpec{}, xerrors.New(xerrors.NotFound, "release not found")
	}
	if resp.StatusCode/100 != 2 {
		return DownloadSpec{}, xerrors.New(xerrors.External, fmt.Sprintf("manifest returned %d", resp.StatusCode))
	}

	var body struct {
		URL     string `json:"url"`
		Archive string `json:"archive"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return DownloadSpec{}, xerrors.Wrap(xerrors.Transport, "read manifest body", err)
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return DownloadSpec{}, xerrors.Wrap(xerrors.Corrupt, "parse manifest body", err)
	}

	format := ArchiveTarGz
	if body.Archive == "zip" {
		format = ArchiveZip
	}
	return DownloadSpec{URL: body.URL, Archive: format}, nil
}
