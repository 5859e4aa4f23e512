package models

import "time"

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further updates will happen for the job
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// GenerationParams holds the sampling settings forwarded to the generator
type GenerationParams struct {
	Duration    int     `json:"duration"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"topK"`
	TopP        float64 `json:"topP"`
	CFGCoef     float64 `json:"cfgCoef"`
}

// GenerationJob represents one queued or finished phantom track generation
type GenerationJob struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Genre       string           `json:"genre,omitempty"`
	Tracks      []string         `json:"-"`
	TrackCount  int              `json:"trackCount"`
	Params      GenerationParams `json:"params"`
	Status      JobStatus        `json:"status"`
	Stage       string           `json:"stage,omitempty"`
	Progress    int              `json:"progress"`
	Error       string           `json:"error,omitempty"`
	OutputPath  string           `json:"-"`
	OutputFile  string           `json:"outputFile,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}
