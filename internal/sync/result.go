package sync

// FileOutcome is the classification of one file in a batch.
type FileOutcome string

const (
	OutcomeSuccess FileOutcome = "success"
	OutcomeSkipped FileOutcome = "skipped"
	OutcomeFailed  FileOutcome = "failed"
)

// FileResult describes the outcome of one file.
type FileResult struct {
	FilePath         string      `json:"file_path"`
	Status           FileOutcome `json:"status"`
	EntriesProcessed int         `json:"entries_processed"`
	Error            string      `json:"error,omitempty"`
	// Reason is the tracking decision when skip-existing was on.
	Reason Reason `json:"reason,omitempty"`
}

// BatchProcessResult summarizes a batch run. FileResults and
// Errors follow sorted path order.
type BatchProcessResult struct {
	TotalFiles     int          `json:"total_files"`
	ProcessedFiles int          `json:"processed_files"`
	SkippedFiles   int          `json:"skipped_files"`
	FailedFiles    int          `json:"failed_files"`
	TotalEntries   int          `json:"total_entries"`
	FileResults    []FileResult `json:"file_results"`
	Errors         []string     `json:"errors"`
}

// Record adds one file's outcome to the counters.
func (r *BatchProcessResult) Record(fr FileResult) {
	r.FileResults = append(r.FileResults, fr)
	switch fr.Status {
	case OutcomeSuccess:
		r.ProcessedFiles++
		r.TotalEntries += fr.EntriesProcessed
	case OutcomeSkipped:
		r.SkippedFiles++
	case OutcomeFailed:
		r.FailedFiles++
		r.Errors = append(r.Errors, fr.Error)
	}
}
