package blob

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FS stores blobs on the local filesystem under a media root and serves them
// under a media URL prefix, mirroring the main application's media layout.
type FS struct {
	root    string // filesystem directory blobs are written under
	baseURL string // URL prefix for stored blobs, e.g. "/media/"
}

// NewFS creates a filesystem store rooted at root, returning URLs under
// baseURL.
func NewFS(root, baseURL string) *FS {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &FS{root: root, baseURL: baseURL}
}

// Put writes data under folder with a random name and returns the
// site-relative URL path.
func (f *FS) Put(_ context.Context, data []byte, contentType, folder string) (string, error) {
	name := uuid.New().String() + extFor(contentType)

	dir := filepath.Join(f.root, filepath.FromSlash(folder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir %s: %w", dir, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", dst, err)
	}

	return f.baseURL + path.Join(folder, name), nil
}
