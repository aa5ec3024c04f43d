package serversup

import (
	"context"

	"github.com/freitascorp/gatewayd/internal/model"
)

// Prune removes every cached server directory that is not currently alive
// (no pidfile-backed process whose command line references its
// executable), per spec.md §3's installed-server lifecycle. It returns the
// base paths that were removed.
func (i *Installer) Prune(ctx context.Context, entrypoint string) ([]string, error) {
	var removed []string
	for _, name := range i.cache.Entries() {
		basePath := i.cache.Path(name)
		installed := model.InstalledServer{BasePath: basePath}
		if _, alive := Discover(installed, installed.ExecutablePath(entrypoint)); alive {
			continue
		}
		if err := i.cache.Remove(name); err != nil {
			return removed, err
		}
		removed = append(removed, basePath)
	}
	return removed, nil
}
