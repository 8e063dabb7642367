// Package intake turns one user-selected file into a stored, addressable
// source image.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/cutout/internal/blob"
)

var (
	ErrEmpty         = errors.New("file is empty")
	ErrTooLarge      = errors.New("file exceeds upload limit")
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// ReadError reports that a selected file could not be turned into an image reference.
type ReadError struct {
	Filename string
	Err      error
}

func (e *ReadError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("read image: %v", e.Err)
	}
	return fmt.Sprintf("read image %q: %v", e.Filename, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Result is a decoded-header, stored source image.
type Result struct {
	Object   blob.Object
	Filename string
	Format   string
	Width    int
	Height   int
}

// Reader reads uploads into a blob store.
type Reader struct {
	store     blob.Store
	maxBytes  int64
	maxPixels int64
	logger    *zap.Logger
}

// NewReader accepts files of at most maxBytes whose header declares at most
// maxPixels pixels. A non-positive maxPixels disables the pixel check.
func NewReader(store blob.Store, maxBytes, maxPixels int64, logger *zap.Logger) *Reader {
	return &Reader{store: store, maxBytes: maxBytes, maxPixels: maxPixels, logger: logger.Named("intake")}
}

// Read consumes src, checks that it decodes as an image and stores it.
// Every failure is a *ReadError; nothing is stored on failure.
func (r *Reader) Read(ctx context.Context, src io.Reader, filename string) (*Result, error) {
	fail := func(err error) (*Result, error) {
		r.logger.Warn("image read failed", zap.String("filename", filename), zap.Error(err))
		return nil, &ReadError{Filename: filename, Err: err}
	}

	data, err := io.ReadAll(io.LimitReader(src, r.maxBytes+1))
	if err != nil {
		return fail(err)
	}
	if len(data) == 0 {
		return fail(ErrEmpty)
	}
	if int64(len(data)) > r.maxBytes {
		return fail(ErrTooLarge)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fail(fmt.Errorf("decode header: %w", err))
	}
	if r.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > r.maxPixels {
		return fail(fmt.Errorf("%dx%d: %w", cfg.Width, cfg.Height, ErrTooManyPixels))
	}

	contentType := mimetype.Detect(data).String()
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/" + format
	}

	obj, err := r.store.Put(ctx, data, contentType)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}

	r.logger.Debug("image read",
		zap.String("filename", filename),
		zap.String("ref", obj.Ref.String()),
		zap.String("content_type", contentType),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
	)
	return &Result{
		Object:   obj,
		Filename: filename,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
