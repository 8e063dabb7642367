// Package export saves a processed image under a filename: as an HTTP
// attachment for browsers, or as a file for the CLI.
package export

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/example/cutout/internal/blob"
)

// DefaultFilename is the name offered for every download.
const DefaultFilename = "processed_image.png"

// SaveError reports a failed save.
type SaveError struct {
	Filename string
	Err      error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %q: %v", e.Filename, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Saver persists the blob behind ref under filename. An empty ref is a no-op.
type Saver interface {
	Save(ctx context.Context, ref blob.Ref, filename string) error
}

// HTTP answers a download request with the blob as an attachment.
type HTTP struct {
	Store  blob.Store
	Writer http.ResponseWriter
}

// Save writes the blob as an attachment named filename.
func (h HTTP) Save(ctx context.Context, ref blob.Ref, filename string) error {
	if ref.IsZero() {
		return nil
	}
	data, obj, err := h.Store.Get(ctx, ref)
	if err != nil {
		return &SaveError{Filename: filename, Err: err}
	}

	header := h.Writer.Header()
	header.Set("Content-Type", contentType(obj))
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set("Cache-Control", "no-store")
	h.Writer.WriteHeader(http.StatusOK)
	if _, err := h.Writer.Write(data); err != nil {
		return &SaveError{Filename: filename, Err: err}
	}
	return nil
}

// File writes the blob into Dir, replacing any existing file atomically.
type File struct {
	Store blob.Store
	Dir   string
}

// Save writes the blob to Dir/filename.
func (f File) Save(ctx context.Context, ref blob.Ref, filename string) error {
	if ref.IsZero() {
		return nil
	}
	data, _, err := f.Store.Get(ctx, ref)
	if err != nil {
		return &SaveError{Filename: filename, Err: err}
	}
	if err := writeFileAtomic(filepath.Join(f.Dir, filepath.Base(filename)), data); err != nil {
		return &SaveError{Filename: filename, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cutout-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func contentType(obj blob.Object) string {
	if obj.ContentType == "" {
		return "application/octet-stream"
	}
	return obj.ContentType
}
