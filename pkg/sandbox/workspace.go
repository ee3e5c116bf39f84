package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// outDir is the conventional artifact sink every agent writes under.
const outDir = "out"

// newWorkspace creates a fresh temporary workspace directory under
// root, with an out/ artifact sink and a private home directory, mode
// 0700 throughout.
func newWorkspace(root string) (dir string, err error) {
	token := uuid.NewString()
	dir = filepath.Join(root, "agent-"+token)
	if err := os.MkdirAll(filepath.Join(dir, outDir), 0o700); err != nil {
		return "", apperrors.New(apperrors.KindSandbox, "failed to create workspace out dir", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "home"), 0o700); err != nil {
		return "", apperrors.New(apperrors.KindSandbox, "failed to create workspace home dir", err)
	}
	return dir, nil
}

// stageFiles writes files into workspace, refusing any name whose
// resolved path escapes the workspace root: filenames are resolved
// against the workspace root and the prefix compared on the resolved
// path, not via string prefix matching.
func stageFiles(workspace string, files map[string][]byte) error {
	absRoot, err := filepath.Abs(workspace)
	if err != nil {
		return apperrors.New(apperrors.KindSandbox, "failed to resolve workspace root", err)
	}

	for name, contents := range files {
		dest := filepath.Join(absRoot, name)
		resolved, err := filepath.Abs(dest)
		if err != nil {
			return apperrors.New(apperrors.KindSandbox, "failed to resolve staged file path", err)
		}
		if resolved != absRoot && !isWithin(absRoot, resolved) {
			return apperrors.New(apperrors.KindSandbox, fmt.Sprintf("refusing path traversal in workspace file %q", name), nil)
		}

		if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
			return apperrors.New(apperrors.KindSandbox, "failed to create staged file directory", err)
		}
		if err := os.WriteFile(resolved, contents, 0o600); err != nil {
			return apperrors.New(apperrors.KindSandbox, "failed to stage workspace file", err)
		}
	}
	return nil
}

// isWithin reports whether child lies inside root, comparing resolved
// path components rather than raw string prefixes (so "/ws-evil"
// isn't mistaken for a child of "/ws").
func isWithin(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// collectArtifacts reads every regular file found under workspace's
// out/ directory (recursively, which also satisfies the container
// runtime's shallower "directly inside out/" requirement as a subset)
// and returns them with their workspace-relative path.
func collectArtifacts(workspace string) ([]Artifact, error) {
	root := filepath.Join(workspace, outDir)
	var artifacts []Artifact

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Name:         filepath.Base(path),
			RelativePath: filepath.ToSlash(rel),
			Bytes:        data,
			Size:         int64(len(data)),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.KindSandbox, "failed to collect artifacts", err)
	}
	return artifacts, nil
}

// removeWorkspace unconditionally deletes workspace, including after
// panics and timeouts.
func removeWorkspace(workspace string) {
	_ = os.RemoveAll(workspace)
}
