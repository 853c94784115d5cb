package models

import "time"

// RunMetadata represents the meta.json written into every run directory
type RunMetadata struct {
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	Checkpoint     string    `json:"checkpoint"`
	Epoch          *int      `json:"epoch,omitempty"`
	Pipeline       string    `json:"pipeline"`
	MixedPrecision string    `json:"mixed_precision"`
	WorldSize      int       `json:"world_size"`
	Seed           *int64    `json:"seed,omitempty"`
	Inversion      bool      `json:"inversion"`
	Revision       string    `json:"revision,omitempty"` // source tree the evaluator ran from
}

// RunStatus is the outcome of one checkpoint evaluation
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord summarizes one checkpoint evaluation in a sweep
type RunRecord struct {
	Checkpoint string        `json:"checkpoint"`
	Epoch      int           `json:"epoch"`
	Logdir     string        `json:"logdir"`
	Status     RunStatus     `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// SweepSummary collects the records of a checkpoint sweep
type SweepSummary struct {
	Root   string      `json:"root"`
	Single bool        `json:"single"`
	Runs   []RunRecord `json:"runs"`
}

// Failed returns the number of failed runs
func (s SweepSummary) Failed() int {
	n := 0
	for _, r := range s.Runs {
		if r.Status == RunFailed {
			n++
		}
	}
	return n
}
