package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/renderd/internal/pkg/retry"
)

// LocalFS stores objects under root/<bucket>/<key>. Used for development;
// the API serves root under BaseURL.
type LocalFS struct {
	root    string
	baseURL string
}

func NewLocalFS(root, baseURL string) *LocalFS {
	return &LocalFS{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (l *LocalFS) Provider() string { return "localfs" }

// Root is the directory objects are written under.
func (l *LocalFS) Root() string { return l.root }

func (l *LocalFS) Put(ctx context.Context, in PutInput) error {
	if in.Key == "" {
		return retry.Permanent(fmt.Errorf("object key is required"))
	}
	dst, err := l.objectPath(in.Bucket, in.Key)
	if err != nil {
		return retry.Permanent(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return retry.Permanent(err)
	}

	src, err := os.Open(in.LocalPath)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to open %s: %w", in.LocalPath, err))
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return retry.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return retry.Permanent(err)
	}
	if err := tmp.Close(); err != nil {
		return retry.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (l *LocalFS) PublicURL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", l.baseURL, escapeKey(bucket), escapeKey(key))
}

// objectPath keeps keys from escaping the root.
func (l *LocalFS) objectPath(bucket, key string) (string, error) {
	rel := filepath.Clean(filepath.Join(filepath.FromSlash(bucket), filepath.FromSlash(strings.TrimLeft(key, "/"))))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, rel), nil
}
