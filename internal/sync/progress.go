package sync

// Phase describes the current batch phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseProcessing  Phase = "processing"
	PhaseDone        Phase = "done"
)

// Progress reports batch progress to listeners.
type Progress struct {
	Phase            Phase  `json:"phase"`
	CurrentFile      string `json:"current_file,omitempty"`
	FilesTotal       int    `json:"files_total"`
	FilesDone        int    `json:"files_done"`
	EntriesProcessed int    `json:"entries_processed"`
}

// Percent returns the batch progress as a percentage (0–100).
func (p Progress) Percent() float64 {
	if p.FilesTotal == 0 {
		return 0
	}
	return float64(p.FilesDone) /
		float64(p.FilesTotal) * 100
}

// ProgressFunc is called with progress updates during a batch.
// Calls are serialized.
type ProgressFunc func(Progress)
