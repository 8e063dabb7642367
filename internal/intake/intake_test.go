package intake

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cutout/internal/blob"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestReadStoresDecodableImage(t *testing.T) {
	store := blob.NewMemory(1<<20, 0)
	reader := NewReader(store, 1<<20, 0, zap.NewNop())
	data := encodePNG(t, 12, 7)

	res, err := reader.Read(context.Background(), bytes.NewReader(data), "cat.png")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Width != 12 || res.Height != 7 || res.Format != "png" {
		t.Fatalf("unexpected header %dx%d %s", res.Width, res.Height, res.Format)
	}
	if res.Object.ContentType != "image/png" {
		t.Fatalf("unexpected content type %q", res.Object.ContentType)
	}
	stored, _, err := store.Get(context.Background(), res.Object.Ref)
	if err != nil {
		t.Fatalf("expected stored blob, got %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("stored bytes differ from upload")
	}
}

func TestReadAcceptsJPEG(t *testing.T) {
	reader := NewReader(blob.NewMemory(1<<20, 0), 1<<20, 0, zap.NewNop())
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	res, err := reader.Read(context.Background(), buf, "cat.jpg")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Object.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type %q", res.Object.ContentType)
	}
}

func TestReadFailures(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		limit   int64
		pixels  int64
		wantErr error
	}{
		{name: "corrupt", data: []byte("definitely not an image"), limit: 1 << 20},
		{name: "empty", data: nil, limit: 1 << 20, wantErr: ErrEmpty},
		{name: "too large", data: encodePNG(t, 32, 32), limit: 16, wantErr: ErrTooLarge},
		{name: "too many pixels", data: pngHeader(12000, 12000), limit: 1 << 20, pixels: 40_000_000, wantErr: ErrTooManyPixels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingStore{Store: blob.NewMemory(1<<20, 0)}
			reader := NewReader(store, tt.limit, tt.pixels, zap.NewNop())

			_, err := reader.Read(context.Background(), bytes.NewReader(tt.data), "upload")
			var readErr *ReadError
			if !errors.As(err, &readErr) {
				t.Fatalf("expected ReadError, got %T (%v)", err, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if store.puts != 0 {
				t.Fatalf("expected nothing stored, got %d puts", store.puts)
			}
		})
	}
}

func TestReadAcceptsImageAtPixelLimit(t *testing.T) {
	reader := NewReader(blob.NewMemory(1<<20, 0), 1<<20, 12*7, zap.NewNop())
	if _, err := reader.Read(context.Background(), bytes.NewReader(encodePNG(t, 12, 7)), "cat.png"); err != nil {
		t.Fatalf("expected image at the limit to pass, got %v", err)
	}
}

func TestReadRejectsCompressedPixelFlood(t *testing.T) {
	// a flat 12000x12000 image compresses to a tiny upload
	img := image.NewGray(image.Rect(0, 0, 12000, 12000))
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	if buf.Len() > 1<<20 {
		t.Fatalf("expected a small upload, got %d bytes", buf.Len())
	}

	store := &countingStore{Store: blob.NewMemory(4<<20, 0)}
	reader := NewReader(store, 1<<20, 40_000_000, zap.NewNop())
	_, err := reader.Read(context.Background(), buf, "flood.png")

	var readErr *ReadError
	if !errors.As(err, &readErr) || !errors.Is(err, ErrTooManyPixels) {
		t.Fatalf("expected pixel limit ReadError, got %v", err)
	}
	if store.puts != 0 {
		t.Fatalf("expected nothing stored, got %d puts", store.puts)
	}
}

func TestReadPropagatesIOError(t *testing.T) {
	reader := NewReader(blob.NewMemory(1<<20, 0), 1<<20, 0, zap.NewNop())
	boom := errors.New("disk on fire")

	_, err := reader.Read(context.Background(), io.MultiReader(bytes.NewReader([]byte{0x89}), errReader{boom}), "x.png")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped io error, got %v", err)
	}
}

func TestFetcherOpensRemoteImage(t *testing.T) {
	data := encodePNG(t, 3, 3)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	fetcher := NewFetcher(1<<20, time.Minute)
	for i := 0; i < 2; i++ {
		body, name, err := fetcher.Open(context.Background(), srv.URL+"/pets/dog.png")
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		got, _ := io.ReadAll(body)
		_ = body.Close()
		if name != "dog.png" {
			t.Fatalf("unexpected filename %q", name)
		}
		if !bytes.Equal(got, data) {
			t.Fatal("unexpected body")
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected second fetch to be served from cache, got %d hits", n)
	}
}

func TestFetcherReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, _, err := NewFetcher(1<<20, time.Minute).Open(context.Background(), srv.URL+"/missing.png")
	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected ReadError, got %v", err)
	}
}

func TestIsURL(t *testing.T) {
	if !IsURL("https://example.com/a.png") || IsURL("./a.png") {
		t.Fatal("unexpected IsURL result")
	}
}

// pngHeader returns the signature and IHDR chunk of a w x h RGBA PNG,
// which is all DecodeConfig reads.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 6, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

type countingStore struct {
	blob.Store
	puts int
}

func (c *countingStore) Put(ctx context.Context, data []byte, contentType string) (blob.Object, error) {
	c.puts++
	return c.Store.Put(ctx, data, contentType)
}
