package memory

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/miles/internal/domain"
)

// ErrArtifactNotFound is returned when a file to promote cannot be located.
var ErrArtifactNotFound = errors.New("artifact not found")

// Tracker records files generated in the current session so they can be
// promoted to the models directory or cleaned up in bulk.
type Tracker struct {
	tmpDir    string
	modelsDir string
	logger    *slog.Logger

	mu        sync.Mutex
	artifacts []domain.Artifact
}

// NewTracker returns an empty tracker.
func NewTracker(tmpDir, modelsDir string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{tmpDir: tmpDir, modelsDir: modelsDir, logger: logger}
}

// ModelsDir returns the permanent models directory.
func (t *Tracker) ModelsDir() string { return t.modelsDir }

// RegisterFile tracks path. Registering the same path twice is a no-op.
func (t *Tracker) RegisterFile(path string, isTemporary bool) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.artifacts {
		if a.Path == path {
			return
		}
	}
	t.artifacts = append(t.artifacts, domain.Artifact{Path: path, IsTemporary: isTemporary})
	t.logger.Debug("artifact registered", "path", path, "temporary", isTemporary)
}

// Latest returns the most recently registered artifact.
func (t *Tracker) Latest() (domain.Artifact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.artifacts) == 0 {
		return domain.Artifact{}, false
	}
	return t.artifacts[len(t.artifacts)-1], true
}

// LatestImage returns the path of the most recently registered image.
func (t *Tracker) LatestImage() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.artifacts) - 1; i >= 0; i-- {
		if t.artifacts[i].IsImage() {
			return t.artifacts[i].Path, true
		}
	}
	return "", false
}

// SavePermanently copies filename into the models directory. The file is
// looked up among tracked artifacts by base name first, then in the tmp dir.
func (t *Tracker) SavePermanently(filename string) (string, error) {
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrArtifactNotFound, filename)
	}

	src := t.lookup(name)
	if src == "" {
		candidate := filepath.Join(t.tmpDir, name)
		if _, err := os.Stat(candidate); err == nil {
			src = candidate
		}
	}
	if src == "" {
		return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}

	dst, err := t.Publish(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	t.logger.Info("artifact saved permanently", "source", src, "path", dst)
	return dst, nil
}

// Publish copies src into the models directory under its base name so it can
// be served under /models. A file already in the models directory is left
// as is.
func (t *Tracker) Publish(src string) (string, error) {
	if err := os.MkdirAll(t.modelsDir, 0o755); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}
	dst := filepath.Join(t.modelsDir, filepath.Base(src))
	if sameFile(src, dst) {
		return dst, nil
	}
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (t *Tracker) lookup(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.artifacts) - 1; i >= 0; i-- {
		if t.artifacts[i].Name() == name {
			return t.artifacts[i].Path
		}
	}
	return ""
}

// CleanupSession deletes every tracked temporary file and forgets all
// tracked artifacts. Per-file failures are logged and skipped.
func (t *Tracker) CleanupSession() int {
	t.mu.Lock()
	artifacts := t.artifacts
	t.artifacts = nil
	t.mu.Unlock()

	removed := 0
	for _, a := range artifacts {
		if !a.IsTemporary {
			continue
		}
		if err := os.Remove(a.Path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				t.logger.Warn("failed to remove session file", "path", a.Path, "error", err)
			}
			continue
		}
		removed++
	}
	t.logger.Info("session cleaned up", "removed", removed)
	return removed
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
