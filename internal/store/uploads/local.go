// Package uploads stores message attachments on local disk.
package uploads

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/bookverse/chat/internal/common"
)

type Local struct {
	Dir string
	// URLPrefix is where Dir is served, e.g. "/storage".
	URLPrefix string
	MaxBytes  int64
}

func NewLocal(dir, urlPrefix string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{Dir: dir, URLPrefix: strings.TrimRight(urlPrefix, "/"), MaxBytes: 50 << 20}, nil
}

// Save writes the part under a fresh ULID name in a per-kind folder and
// returns its public URL.
func (l *Local) Save(kind string, fh *multipart.FileHeader) (string, error) {
	if l.MaxBytes > 0 && fh.Size > l.MaxBytes {
		return "", fmt.Errorf("attachment too large: %d bytes", fh.Size)
	}
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	id, err := common.NewULID()
	if err != nil {
		return "", err
	}
	name := strings.ToLower(id) + strings.ToLower(filepath.Ext(filepath.Base(fh.Filename)))
	dir := filepath.Join(l.Dir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return l.URLPrefix + "/" + kind + "/" + name, nil
}
