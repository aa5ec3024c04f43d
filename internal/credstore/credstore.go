// Package credstore manages the gateway's StoredCredential cache. Grounded
// on pkg/audit.FileStore's append-only-JSONL-with-0700-dir style, adapted
// to a single overwritten JSON file since credentials are mutated in place,
// not appended to a log.
package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// Vault abstracts the credential backend. The in-repo default is the
// file-backed fallback; an OS-keychain implementation can satisfy the same
// interface without needing cgo bindings wired into this module (see
// DESIGN.md).
type Vault interface {
	Load(provider string) (model.StoredCredential, error)
	Save(cred model.StoredCredential) error
	Delete(provider string) error
}

// FileVault stores a single StoredCredential as JSON, matching spec.md §6's
// `token.json` fallback path.
type FileVault struct {
	mu   sync.Mutex
	path string
}

// NewFileVault builds a FileVault rooted at <dataDir>/token.json.
func NewFileVault(dataDir string) (*FileVault, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "create data dir", err)
	}
	return &FileVault{path: filepath.Join(dataDir, "token.json")}, nil
}

func (v *FileVault) Load(provider string) (model.StoredCredential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadLocked()
	if err != nil {
		return cred, err
	}
	if cred.Provider != provider {
		return cred, xerrors.New(xerrors.NotFound, "no stored credential for provider")
	}
	return cred, nil
}

func (v *FileVault) Save(cred model.StoredCredential) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.Corrupt, "encode stored credential", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return xerrors.Wrap(xerrors.Transport, "write token.json", err)
	}
	return os.Rename(tmp, v.path)
}

// Delete removes the stored credential for provider, used by `user logout`.
// Deleting a credential that doesn't exist is not an error.
func (v *FileVault) Delete(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.loadLocked()
	if err != nil {
		if xerrors.KindOf(err) == xerrors.NotFound {
			return nil
		}
		return err
	}
	if cred.Provider != provider {
		return nil
	}
	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.Transport, "remove token.json", err)
	}
	return nil
}

// vaultTokenSource adapts a Vault into an oauth2.TokenSource, re-reading the
// vault on every Token() call rather than caching in memory — the file is
// the source of truth, and `user login`/`user logout` mutate it out from
// under any already-running process.
type vaultTokenSource struct {
	vault    Vault
	provider string
}

// TokenSource returns an oauth2.TokenSource backed by vault, for handing to
// tunnelsup.NewSupervisor. It does not itself refresh expired tokens — that
// requires provider-specific OAuth endpoints out of scope for this core
// (see DESIGN.md); `Expired` on the loaded credential is left for the
// caller to act on (e.g. prompting `user login` again).
func TokenSource(vault Vault, provider string) oauth2.TokenSource {
	return &vaultTokenSource{vault: vault, provider: provider}
}

func (s *vaultTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.vault.Load(s.provider)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	}
	if cred.ExpiresAt != nil {
		tok.Expiry = *cred.ExpiresAt
	}
	return tok, nil
}

func (v *FileVault) loadLocked() (model.StoredCredential, error) {
	var cred model.StoredCredential
	b, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cred, xerrors.New(xerrors.NotFound, "no stored credential")
		}
		return cred, xerrors.Wrap(xerrors.Transport, "read token.json", err)
	}
	if err := json.Unmarshal(b, &cred); err != nil {
		return cred, xerrors.Wrap(xerrors.Corrupt, "parse token.json", err)
	}
	return cred, nil
}
