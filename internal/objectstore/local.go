package objectstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Local serves documents from a directory. Keys are slash-separated paths
// relative to the root.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

// Bucket implements Store.
func (l *Local) Bucket() string { return "local" }

// List implements Store.
func (l *Local) List(ctx context.Context, prefix string, max int, keep func(string) bool) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		if keep != nil && !keep(key) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "local: list %s", l.root)
	}
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, nil
}

// Download implements Store.
func (l *Local) Download(_ context.Context, key, dir string) (string, error) {
	src, err := os.Open(l.path(key))
	if err != nil {
		return "", eris.Wrapf(err, "local: open %s", key)
	}
	defer src.Close()

	dest := filepath.Join(dir, localName(key))
	dst, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrap(err, "local: create copy")
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", eris.Wrap(err, "local: copy")
	}
	return dest, eris.Wrap(dst.Close(), "local: close copy")
}

// Upload implements Store.
func (l *Local) Upload(_ context.Context, localPath, key string) error {
	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrap(err, "local: mkdir")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return eris.Wrapf(err, "local: read %s", localPath)
	}
	return eris.Wrapf(os.WriteFile(dest, data, 0o644), "local: write %s", key)
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(joinKey("", key)))
}

var _ Store = (*Local)(nil)
