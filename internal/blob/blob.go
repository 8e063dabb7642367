// Package blob issues addressable references for image bytes held outside
// the workflow state. A Ref plays the part of a browser object URL: it can
// be rendered, fetched and must be released once superseded.
package blob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

const refPrefix = "blob:"

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidRef = errors.New("invalid blob reference")
	ErrTooLarge   = errors.New("blob exceeds store capacity")
	errCorrupt    = errors.New("corrupt blob entry")
)

// Ref addresses one stored blob, e.g. "blob:2KXh0uC8oZDbTqT9OsmKbLDvN1k".
type Ref string

// NewRef returns a fresh, globally unique ref.
func NewRef() Ref {
	return Ref(refPrefix + ksuid.New().String())
}

// ParseRef accepts either the full "blob:<id>" form or the bare id used in URLs.
func ParseRef(s string) (Ref, error) {
	id := strings.TrimPrefix(s, refPrefix)
	if _, err := ksuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref(refPrefix + id), nil
}

// ID is the ref without its scheme.
func (r Ref) ID() string {
	return strings.TrimPrefix(string(r), refPrefix)
}

// IsZero reports whether r is the empty ref.
func (r Ref) IsZero() bool {
	return r == ""
}

// String returns the full "blob:<id>" form.
func (r Ref) String() string {
	return string(r)
}

// Object describes a stored blob.
type Object struct {
	Ref         Ref
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// Store keeps blobs addressable until they are released.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, ref Ref) ([]byte, Object, error)
	Release(ctx context.Context, ref Ref) error
}

// Entries are stored as: ct length (1 byte), ct, created unix nanos (8 bytes), data.
func packEntry(contentType string, created time.Time, data []byte) []byte {
	if len(contentType) > 255 {
		contentType = contentType[:255]
	}
	buf := make([]byte, 0, 1+len(contentType)+8+len(data))
	buf = append(buf, byte(len(contentType)))
	buf = append(buf, contentType...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(created.UnixNano()))
	return append(buf, data...)
}

func unpackEntry(ref Ref, entry []byte) ([]byte, Object, error) {
	if len(entry) < 1 {
		return nil, Object{}, errCorrupt
	}
	n := int(entry[0])
	if len(entry) < 1+n+8 {
		return nil, Object{}, errCorrupt
	}
	contentType := string(entry[1 : 1+n])
	created := int64(binary.BigEndian.Uint64(entry[1+n : 1+n+8]))
	data := entry[1+n+8:]
	return data, Object{
		Ref:         ref,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Unix(0, created).UTC(),
	}, nil
}
