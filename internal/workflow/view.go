package workflow

import "github.com/example/cutout/internal/segmentation"

// View is what the page shows for a given state.
type View struct {
	ShowUpload   bool                   `json:"show_upload"`
	Source       *Image                 `json:"source,omitempty"`
	ShowProcess  bool                   `json:"show_process"`
	Processing   bool                   `json:"processing"`
	Progress     *segmentation.Progress `json:"progress,omitempty"`
	Processed    *Image                 `json:"processed,omitempty"`
	ShowDownload bool                   `json:"show_download"`
	Error        string                 `json:"error,omitempty"`
}

// Render derives the view from a snapshot. It has no side effects.
func Render(s Snapshot) View {
	v := View{
		ShowUpload:  true,
		Source:      s.Source,
		ShowProcess: s.Phase == PhaseLoaded && s.Source != nil && s.Processed == nil,
		Processing:  s.Phase == PhaseProcessing,
	}
	if v.Processing {
		v.Progress = s.Progress
	}
	if s.Phase == PhaseDone && s.Processed != nil {
		v.Processed = s.Processed
		v.ShowDownload = true
	}
	if s.Failure != nil {
		v.Error = s.Failure.Message
	}
	return v
}
