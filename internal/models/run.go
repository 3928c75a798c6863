package models

import "time"

// Invocation is the input for running one stage on one item.
type Invocation struct {
	Stage     Stage
	Index     int
	Input     string
	Reference string // empty for stages without a reference
	Output    string
	Transform string // registration only
	// LogDir receives stdout.txt and stderr.txt; empty discards tool output.
	LogDir string
}

// StageRun contains the outcome of one stage on one item.
type StageRun struct {
	Stage       StageKind `json:"stage"`
	Index       int       `json:"index"`
	Input       string    `json:"input"`
	Reference   string    `json:"reference,omitempty"`
	Output      string    `json:"output"`
	Transform   string    `json:"transform,omitempty"`
	Argv        []string  `json:"argv,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Attempts    int       `json:"attempts"`
	Error       *RunError `json:"error"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	DurationSec float64   `json:"duration_sec"`
}

// Succeeded reports whether the tool exited zero and every check passed.
func (r *StageRun) Succeeded() bool {
	return r.Error == nil && r.ExitCode == 0
}

// Skipped reports whether the item was never attempted because the sweep was cancelled.
func (r *StageRun) Skipped() bool {
	return r.Error != nil && r.Error.Type == ErrCancelled && r.Attempts == 0
}

// Interrupted reports whether the tool was running when the sweep was cancelled.
func (r *StageRun) Interrupted() bool {
	return r.Error != nil && r.Error.Type == ErrCancelled && r.Attempts > 0
}

// SweepResult aggregates the per-item outcomes of one stage over a collection.
type SweepResult struct {
	Stage             StageKind  `json:"stage"`
	From              StageKind  `json:"from,omitempty"`
	Reference         string     `json:"reference,omitempty"`
	Cancelled         bool       `json:"cancelled"`
	Total             int        `json:"total"`
	Succeeded         int        `json:"succeeded"`
	Failed            int        `json:"failed"`
	Skipped           int        `json:"skipped"`
	Interrupted       int        `json:"interrupted"`
	MeanDurationSec   float64    `json:"mean_duration_sec"`
	StdDevDurationSec float64    `json:"stddev_duration_sec"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           time.Time  `json:"ended_at"`
	Runs              []StageRun `json:"runs"`
}

// JobResult contains the outcome of every sweep in a job.
type JobResult struct {
	RunID            string        `json:"run_id"`
	JobName          string        `json:"job_name"`
	Cancelled        bool          `json:"cancelled"`
	Items            int           `json:"items"`
	TotalRuns        int           `json:"total_runs"`
	SucceededRuns    int           `json:"succeeded_runs"`
	FailedRuns       int           `json:"failed_runs"`
	SkippedRuns      int           `json:"skipped_runs"`
	InterruptedRuns  int           `json:"interrupted_runs"`
	TotalCost        float64       `json:"total_cost"`
	TotalDurationSec float64       `json:"total_duration_sec"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Sweeps           []SweepResult `json:"sweeps"`
}
