package workflow

import (
	"github.com/example/cutout/internal/blob"
	"github.com/example/cutout/internal/segmentation"
)

// Phase is the machine state of a workflow.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoaded     Phase = "loaded"
	PhaseProcessing Phase = "processing"
	PhaseDone       Phase = "done"
)

// Image is a source or processed image held by reference. Images are never
// mutated once created, so snapshots may share them.
type Image struct {
	Ref         blob.Ref `json:"ref"`
	ContentType string   `json:"content_type"`
	Size        int64    `json:"size"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Filename    string   `json:"filename,omitempty"`
}

// Snapshot is a copy of the workflow state at one instant.
type Snapshot struct {
	Phase      Phase                  `json:"phase"`
	Source     *Image                 `json:"source,omitempty"`
	Processed  *Image                 `json:"processed,omitempty"`
	Failure    *Failure               `json:"error,omitempty"`
	Progress   *segmentation.Progress `json:"progress,omitempty"`
	Generation uint64                 `json:"generation"`
}

// Event is published to watchers on every state change and progress report.
type Event struct {
	Phase      Phase                  `json:"phase"`
	Generation uint64                 `json:"generation"`
	RunID      string                 `json:"run_id,omitempty"`
	Progress   *segmentation.Progress `json:"progress,omitempty"`
}
