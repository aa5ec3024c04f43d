package serversup

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// Installer resolves, downloads, and caches editor server releases.
type Installer struct {
	cache         *Cache
	resolver      ReleaseResolver
	client        *http.Client
	updateChecker UpdateChecker
}

// NewInstaller builds an Installer backed by cache and resolver.
func NewInstaller(cache *Cache, resolver ReleaseResolver) *Installer {
	return &Installer{cache: cache, resolver: resolver, client: http.DefaultClient}
}

// EnsureInstalled consults the download cache; if release is absent, it
// streams the release archive into a staging directory, extracts it, then
// atomically renames it into place via Cache.Create.
func (i *Installer) EnsureInstalled(ctx context.Context, release model.Release) (model.InstalledServer, error) {
	name := release.CacheKey()

	path, err := i.cache.Create(name, func(staging string) error {
		spec, err := i.resolver.Resolve(ctx, release)
		if err != nil {
			return err
		}
		return i.downloadAndExtract(ctx, spec, staging)
	})
	if err != nil {
		return model.InstalledServer{}, err
	}

	return model.InstalledServer{Quality: release.Quality, Commit: release.Commit, BasePath: path}, nil
}

func (i *Installer) downloadAndExtract(ctx context.Context, spec DownloadSpec, staging string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.InvalidInput, "build download request", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.Unavailable, "download release archive", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return xerrors.New(xerrors.External, "download archive returned non-2xx")
	}

	switch spec.Archive {
	case ArchiveZip:
		return extractZipStream(resp.Body, staging)
	default:
		return extractTarGz(resp.Body, staging)
	}
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Wrap(xerrors.Corrupt, "read tar entry", err)
		}
		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Symlink(hdr.Linkname, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// extractZipStream buffers the response to a temp file since archive/zip
// needs ReaderAt/seekable access, then extracts preserving unix-mode bits
// (including symlinks) per spec.md §4.D's zip-extraction requirement.
func extractZipStream(r io.Reader, dest string) error {
	tmp, err := os.CreateTemp("", "gatewayd-archive-*.zip")
	if err != nil {
		return xerrors.Wrap(xerrors.Transport, "buffer zip archive", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		return xerrors.Wrap(xerrors.Transport, "buffer zip archive", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(tmp, info.Size())
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "open zip archive", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			link, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return err
			}
			_ = os.Symlink(string(link), target)
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
