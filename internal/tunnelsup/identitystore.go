package tunnelsup

import (
	"encoding/json"
	"os"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// IdentityStore persists the PersistedTunnel record at one of spec.md §6's
// two fixed paths (code_tunnel.json / port_forwarding_tunnel.json),
// grounded on credstore.FileVault's overwrite-in-place, atomic-rename style.
type IdentityStore struct {
	path string
}

// NewIdentityStore binds an IdentityStore to path.
func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path}
}

// Load reads the persisted tunnel identity, if any.
func (s *IdentityStore) Load() (model.PersistedTunnel, error) {
	var t model.PersistedTunnel
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, xerrors.New(xerrors.NotFound, "no tunnel is registered")
		}
		return t, xerrors.Wrap(xerrors.Transport, "read tunnel identity", err)
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, xerrors.Wrap(xerrors.Corrupt, "parse tunnel identity", err)
	}
	return t, nil
}

// Save writes t, replacing any existing record.
func (s *IdentityStore) Save(t model.PersistedTunnel) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "encode tunnel identity", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return xerrors.Wrap(xerrors.Transport, "write tunnel identity", err)
	}
	return os.Rename(tmp, s.path)
}

// Rename updates the name field of an existing identity in place.
func (s *IdentityStore) Rename(name string) error {
	if !ValidName(name) {
		return xerrors.New(xerrors.InvalidInput, "invalid tunnel name")
	}
	t, err := s.Load()
	if err != nil {
		return err
	}
	t.Name = name
	return s.Save(t)
}

// Delete removes the persisted identity, used by `unregister`. Deleting an
// absent identity is not an error.
func (s *IdentityStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.Transport, "remove tunnel identity", err)
	}
	return nil
}
