// Package ledger keeps a local SQLite history of patron tool runs: what file
// was processed, what was written and uploaded, which patrons were skipped and
// which remote files were fetched.
package ledger

import "time"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run kinds.
const (
	KindReload = "reload"
	KindDelete = "delete"
	KindFetch  = "fetch"
)

// Run is one invocation of a patron tool.
type Run struct {
	ID         string    `json:"id"`
	LibCode    string    `json:"lib_code"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	SourceFile string    `json:"source_file"`
	OutputFile string    `json:"output_file"`
	RowsIn     int       `json:"rows_in"`
	RowsOut    int       `json:"rows_out"`
	Skipped    int       `json:"skipped"`
	UploadedTo string    `json:"uploaded_to"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"` // zero while running
}

// Outcome is what a run reports when it finishes.
type Outcome struct {
	Status     string
	Symbol     string
	SourceFile string
	OutputFile string
	RowsIn     int
	RowsOut    int
	Skipped    int
	UploadedTo string
	Err        error
}

// SkippedPatron is a patron left out of a run's output.
type SkippedPatron struct {
	RunID      string `json:"run_id"`
	Barcode    string `json:"barcode"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
	Email      string `json:"email"`
	Reason     string `json:"reason"`
}

// Download records a fetched (or cache-hit) remote file.
type Download struct {
	RemotePath string    `json:"remote_path"`
	LocalPath  string    `json:"local_path"`
	SizeBytes  int64     `json:"size_bytes"`
	Cached     bool      `json:"cached"`
	At         time.Time `json:"at"`
}
