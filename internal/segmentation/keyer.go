package segmentation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Keyer is a local stand-in for a segmentation model: it estimates the
// background colour from the image border and flood-fills matching pixels
// from the edges to transparent. Good enough for studio shots and for
// running the service without a model server.
type Keyer struct {
	// MaxSide bounds the longest side of the output. Zero keeps the input size.
	MaxSide int
	// Tolerance is the normalised RGB distance treated as background.
	Tolerance float64
	// Feather is the extra distance over which edge pixels fade in.
	Feather float64
	// MaxPixels rejects inputs whose header declares more pixels. Zero disables it.
	MaxPixels int64

	enc png.Encoder
}

var _ Service = (*Keyer)(nil)

// NewKeyer returns a keyer tuned for product shots on a plain backdrop.
func NewKeyer() *Keyer {
	return &Keyer{
		MaxSide:   1024,
		Tolerance: 0.12,
		Feather:   0.08,
		MaxPixels: 40_000_000,
		enc:       png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

// Remove returns data as a PNG with the detected background made transparent.
func (k *Keyer) Remove(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	opts.report(StageDecode, 0.1)
	if k.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > k.MaxPixels {
			return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, k.MaxPixels)
		}
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	img := toNRGBA(src)

	if !hasUsefulAlpha(img) {
		img = resizeWithinMax(img, k.MaxSide)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opts.report(StageMask, 0.4)
		k.keyBackground(img)
	}
	if !hasForeground(img) {
		return nil, ErrNoForeground
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts.report(StageEncode, 0.8)
	buf := &bytes.Buffer{}
	if err := k.enc.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	opts.report(StageDone, 1)
	return buf.Bytes(), nil
}

// keyBackground clears every pixel connected to the border whose colour is
// within Tolerance of the border average. Pixels within the feather band
// get partial alpha but do not spread the fill.
func (k *Keyer) keyBackground(img *image.NRGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w == 0 || h == 0 {
		return
	}
	bg := borderColor(img)
	hard := k.Tolerance
	soft := k.Tolerance + k.Feather

	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if visited[i] {
			return
		}
		visited[i] = true
		queue = append(queue, i)
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		x, y := i%w, i/w
		off := y*img.Stride + x*4
		d := colorDistance(img.Pix[off:off+3], bg)

		switch {
		case d <= hard:
			img.Pix[off+3] = 0
		case d <= soft && k.Feather > 0:
			a := (d - hard) / k.Feather
			img.Pix[off+3] = uint8(math.Round(float64(img.Pix[off+3]) * a))
			continue
		default:
			continue
		}

		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}
}

func borderColor(img *image.NRGBA) [3]float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	var sum [3]float64
	n := 0
	add := func(x, y int) {
		off := y*img.Stride + x*4
		sum[0] += float64(img.Pix[off])
		sum[1] += float64(img.Pix[off+1])
		sum[2] += float64(img.Pix[off+2])
		n++
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		if h > 1 {
			add(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		add(0, y)
		if w > 1 {
			add(w-1, y)
		}
	}
	return [3]float64{sum[0] / float64(n), sum[1] / float64(n), sum[2] / float64(n)}
}

// colorDistance is the RGB euclidean distance scaled to [0, 1].
func colorDistance(px []uint8, bg [3]float64) float64 {
	dr := float64(px[0]) - bg[0]
	dg := float64(px[1]) - bg[1]
	db := float64(px[2]) - bg[2]
	return math.Sqrt(dr*dr+dg*dg+db*db) / (255 * math.Sqrt(3))
}
