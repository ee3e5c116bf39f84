package artifacts

import (
	"os"
	"path/filepath"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// LocalBackend persists encrypted artifact bytes under
// <root>/operations/<op_id>/artifacts/<name>, the local-filesystem
// fallback used when remote object storage is unconfigured.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a LocalBackend rooted at root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) path(operationID, name string) string {
	return filepath.Join(b.root, "operations", operationID, "artifacts", filepath.FromSlash(name))
}

// Put writes ciphertext to the conventional per-operation path.
func (b *LocalBackend) Put(operationID, name string, ciphertext []byte) error {
	dest := b.path(operationID, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return apperrors.New(apperrors.KindInternal, "failed to create artifact directory", err)
	}
	if err := os.WriteFile(dest, ciphertext, 0o600); err != nil {
		return apperrors.New(apperrors.KindInternal, "failed to write artifact bytes", err)
	}
	return nil
}

// Get reads ciphertext from the conventional per-operation path.
func (b *LocalBackend) Get(operationID, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(operationID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.KindNotFound, "artifact not found", err)
		}
		return nil, apperrors.New(apperrors.KindInternal, "failed to read artifact bytes", err)
	}
	return data, nil
}
