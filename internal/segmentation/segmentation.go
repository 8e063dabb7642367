// Package segmentation is the boundary to the background-removal routine.
// The routine itself is opaque; this package only moves bytes to it and back.
package segmentation

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedImage is returned when the routine cannot work with the input.
	ErrUnsupportedImage = errors.New("unsupported format")
	// ErrNoForeground is returned when removing the background leaves nothing.
	ErrNoForeground = errors.New("no foreground detected")
)

// Stage names a step reported through Options.Progress.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageDecode    Stage = "decode"
	StageMask      Stage = "mask"
	StageInference Stage = "inference"
	StageEncode    Stage = "encode"
	StageDone      Stage = "done"
)

// Progress is an observational progress report in [0, 1].
type Progress struct {
	Stage    Stage   `json:"stage"`
	Fraction float64 `json:"fraction"`
}

// Options configures one Remove call.
type Options struct {
	// Progress, when set, is called synchronously from the backend. It must not block.
	Progress func(Progress)
}

func (o Options) report(stage Stage, fraction float64) {
	if o.Progress != nil {
		o.Progress(Progress{Stage: stage, Fraction: fraction})
	}
}

// Service removes the background of an encoded image and returns the
// encoded result, normally a PNG with a transparent background.
type Service interface {
	Remove(ctx context.Context, data []byte, opts Options) ([]byte, error)
}

// Func adapts a plain function to Service.
type Func func(ctx context.Context, data []byte, opts Options) ([]byte, error)

func (f Func) Remove(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	return f(ctx, data, opts)
}
