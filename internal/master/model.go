package master

import (
	"time"

	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = protocol.StatusPending
	TaskRunning   TaskStatus = protocol.StatusRunning
	TaskSucceeded TaskStatus = protocol.StatusSucceeded
	TaskFailed    TaskStatus = protocol.StatusFailed
)

type JobStatus string

const (
	JobPending   JobStatus = protocol.StatusPending
	JobRunning   JobStatus = protocol.StatusRunning
	JobSucceeded JobStatus = protocol.StatusSucceeded
	JobFailed    JobStatus = protocol.StatusFailed
)

// Task is one execution unit: one stage applied to one partition.
// Retries reuse the Task with a bumped Attempt; reports carrying a
// stale attempt are ignored.
type Task struct {
	ID        string
	JobID     string
	StageID   int
	Partition int
	Attempt   int
	Status    TaskStatus
	WorkerID  string
	Files     []string // input files of a file-fed (read_*) stage partition
	StartedAt time.Time
	EndedAt   time.Time
	Outputs   []protocol.TaskOutput
}

// Job holds one submission and all of its derived state. Everything is
// guarded by the registry mutex; jobs are retained in memory until the
// process exits.
type Job struct {
	ID          string
	Name        string
	Status      JobStatus
	Graph       dag.Graph
	Plan        *dag.Plan
	OutputDir   string
	StageTasks  [][]*Task // stage -> tasks in partition order
	CurrentStage int
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	LastError   *protocol.ErrorInfo
	OutputFiles []string
	// Latest known producer address per (shuffle id, src partition).
	// Overwritten when an upstream task is re-executed elsewhere.
	Producers map[string][]string
}

func (j *Job) terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

func (j *Job) task(id string) *Task {
	for _, stage := range j.StageTasks {
		for _, t := range stage {
			if t.ID == id {
				return t
			}
		}
	}
	return nil
}

// WorkerEntry is the master-side view of one worker. Entries are never
// removed; a dead worker that heartbeats again is revived.
type WorkerEntry struct {
	ID            string
	Addr          string
	Slots         int
	MemBytes      uint64
	LastHeartbeat time.Time
	Dead          bool
	Failures      int // tasks this worker reported failed
	Retries       int // tasks requeued because this worker was declared dead
	Running       map[string]string // task id -> job id
	// Terminal jobs whose tmp trees this worker still has to delete,
	// drained through heartbeat responses.
	CleanupPending []string
}
