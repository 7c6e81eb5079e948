// Package protocol defines the JSON bodies of the master HTTP API and
// the master↔worker control protocol. Both sides of the wire import
// this package and nothing else from each other.
package protocol

import (
	"github.com/sparkmini/sparkmini/internal/dag"
)

// Status values shared by jobs and tasks.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

/* ---------------- public API ---------------- */

type SubmitJobRequest struct {
	Name        string    `json:"name"`
	Dag         dag.Graph `json:"dag"`
	Parallelism int       `json:"parallelism"`
	InputGlob   string    `json:"input_glob"`
	OutputDir   string    `json:"output_dir"`
}

type JobInfo struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Status         string      `json:"status"`
	TotalTasks     int         `json:"total_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks"`
	Stages         []StageInfo `json:"stages"`
	Dag            dag.Graph   `json:"dag"`
	StartedAt      *int64      `json:"started_at,omitempty"`
	EndedAt        *int64      `json:"ended_at,omitempty"`
	LastError      *ErrorInfo  `json:"last_error,omitempty"`
}

type StageInfo struct {
	ID        int      `json:"id"`
	Ops       []string `json:"ops"`
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

type JobResults struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Files  []string `json:"files"`
}

type WorkerInfo struct {
	WorkerID    string `json:"worker_id"`
	Addr        string `json:"addr"`
	Slots       int    `json:"slots"`
	Running     int    `json:"running"`
	MemBytes    uint64 `json:"mem_bytes"`
	Dead        bool   `json:"dead"`
	Failures    int    `json:"failures"`
	Retries     int    `json:"retries"`
	LastHbMsAgo int64  `json:"last_hb_ms_ago"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

/* ---------------- internal control plane ---------------- */

type RegisterRequest struct {
	Addr  string `json:"addr"`
	Slots int    `json:"slots"`
}

type RegisterResponse struct {
	WorkerID      string `json:"worker_id"`
	HeartbeatMs   int64  `json:"heartbeat_ms"`
	DeadTimeoutMs int64  `json:"dead_timeout_ms"`
}

type HeartbeatRequest struct {
	WorkerID string   `json:"worker_id"`
	MemBytes uint64   `json:"mem_bytes"`
	Running  []string `json:"running"`
}

type HeartbeatResponse struct {
	Assignments []TaskAssignment `json:"assignments"`
	CancelTasks []string         `json:"cancel_tasks"`
	CleanupJobs []string         `json:"cleanup_jobs"`
}

type TaskReportRequest struct {
	WorkerID string      `json:"worker_id"`
	TaskID   string      `json:"task_id"`
	Attempt  int         `json:"attempt"`
	Outcome  TaskOutcome `json:"outcome"`
}

type TaskReportResponse struct {
	Ack bool `json:"ack"`
}

// TaskOutcome is either Succeeded (with outputs) or Failed (with an
// error kind consulted against the retry budget).
type TaskOutcome struct {
	Status    string       `json:"status"`
	Outputs   []TaskOutput `json:"outputs,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// TaskOutput is one artifact of a finished task: a final output file
// or a set of shuffle buckets advertised for downstream fetches.
type TaskOutput struct {
	Path    string      `json:"path,omitempty"`
	Shuffle *ShuffleRef `json:"shuffle,omitempty"`
}

// ShuffleRef advertises that the producing worker holds every bucket
// (shuffle_id, src, *) and serves them over its shuffle endpoint.
type ShuffleRef struct {
	ShuffleID string `json:"shuffle_id"`
	Src       int    `json:"src"`
	Addr      string `json:"addr"`
}

/* ---------------- task assignment ---------------- */

// TaskAssignment carries everything a worker needs to run one stage
// over one partition, including the latest known producer address per
// upstream partition.
type TaskAssignment struct {
	TaskID      string      `json:"task_id"`
	JobID       string      `json:"job_id"`
	StageID     int         `json:"stage_id"`
	Partition   int         `json:"partition"`
	Attempt     int         `json:"attempt"`
	Parallelism int         `json:"parallelism"`
	Ops         []dag.Node  `json:"ops"`
	Inputs      []TaskInput `json:"inputs"`
	Sink        TaskSink    `json:"sink"`
}

type TaskInput struct {
	Type      dag.InputType `json:"type"`
	Files     []string      `json:"files,omitempty"`
	ShuffleID string        `json:"shuffle_id,omitempty"`
	Producers []string      `json:"producers,omitempty"` // addr per src partition
}

type TaskSink struct {
	Type       dag.SinkType `json:"type"`
	ShuffleID  string       `json:"shuffle_id,omitempty"`
	Key        string       `json:"key,omitempty"`
	OutputPath string       `json:"output_path,omitempty"`
}
