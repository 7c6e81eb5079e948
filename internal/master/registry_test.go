package master

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

func testConfig() *config.MasterConfig {
	return &config.MasterConfig{
		BindAddr:    ":0",
		DeadTimeout: 15 * time.Second,
		TaskTimeout: 10 * time.Minute,
		Heartbeat:   3 * time.Second,
		MaxAttempts: 3,
	}
}

// fakeClock lets tests drive liveness and timeout sweeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(testConfig(), logging.Noop{})
	r.now = func() time.Time { return clock.now }
	return r, clock
}

func wordCountRequest(t *testing.T, parallelism int) protocol.SubmitJobRequest {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("hello world hello\n"), 0o644))
	}
	return protocol.SubmitJobRequest{
		Name: "wordcount",
		Dag: dag.Graph{
			Nodes: []dag.Node{
				{ID: "read", Op: dag.OpReadText},
				{ID: "tokens", Op: dag.OpFlatMap, Params: map[string]string{"fn": "tokenize"}},
				{ID: "counts", Op: dag.OpReduceByKey, Params: map[string]string{"key": "token", "fn": "sum"}},
			},
			Edges: [][2]string{{"read", "tokens"}, {"tokens", "counts"}},
		},
		Parallelism: parallelism,
		InputGlob:   filepath.Join(dir, "*.txt"),
		OutputDir:   t.TempDir(),
	}
}

func succeededShuffle(a protocol.TaskAssignment, addr string) protocol.TaskOutcome {
	return protocol.TaskOutcome{
		Status: protocol.StatusSucceeded,
		Outputs: []protocol.TaskOutput{{
			Shuffle: &protocol.ShuffleRef{ShuffleID: a.Sink.ShuffleID, Src: a.Partition, Addr: addr},
		}},
	}
}

func succeededFile(a protocol.TaskAssignment) protocol.TaskOutcome {
	return protocol.TaskOutcome{
		Status:  protocol.StatusSucceeded,
		Outputs: []protocol.TaskOutput{{Path: a.Sink.OutputPath}},
	}
}

func heartbeat(t *testing.T, r *Registry, workerID string, running ...string) protocol.HeartbeatResponse {
	t.Helper()
	resp, err := r.Heartbeat(protocol.HeartbeatRequest{WorkerID: workerID, Running: running})
	require.NoError(t, err)
	return resp
}

func TestSubmitRejectsBadInput(t *testing.T) {
	r, _ := newTestRegistry(t)

	req := wordCountRequest(t, 2)
	req.InputGlob = filepath.Join(t.TempDir(), "*.txt") // matches nothing
	_, err := r.SubmitJob(req)
	require.Error(t, err)
	require.Equal(t, fault.InputNotFound, fault.KindOf(err))

	req = wordCountRequest(t, 2)
	req.Dag.Nodes[1].Params["fn"] = "bogus"
	_, err = r.SubmitJob(req)
	require.Equal(t, fault.UnknownFunction, fault.KindOf(err))

	req = wordCountRequest(t, 0)
	_, err = r.SubmitJob(req)
	require.Equal(t, fault.InvalidDag, fault.KindOf(err))

	// Nothing was admitted.
	require.Empty(t, r.jobOrder)
}

func TestDispatchRespectsSlotsAndPartitionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	info, err := r.SubmitJob(wordCountRequest(t, 4))
	require.NoError(t, err)
	require.Equal(t, protocol.StatusPending, info.Status)
	require.Equal(t, 8, info.TotalTasks) // 2 stages x parallelism 4

	reg := r.Register(protocol.RegisterRequest{Addr: "w1:8081", Slots: 2})
	require.Equal(t, int64(3000), reg.HeartbeatMs)

	resp := heartbeat(t, r, reg.WorkerID)
	require.Len(t, resp.Assignments, 2)
	require.Equal(t, 0, resp.Assignments[0].Partition)
	require.Equal(t, 1, resp.Assignments[1].Partition)
	require.Equal(t, dag.SinkShuffle, resp.Assignments[0].Sink.Type)

	// Slots are full; nothing more until something finishes.
	resp = heartbeat(t, r, reg.WorkerID, resp.Assignments[0].TaskID, resp.Assignments[1].TaskID)
	require.Empty(t, resp.Assignments)

	got, ok := r.GetJob(info.ID)
	require.True(t, ok)
	require.Equal(t, protocol.StatusRunning, got.Status)
}

func TestStageBarrierAndCompletion(t *testing.T) {
	r, _ := newTestRegistry(t)
	info, err := r.SubmitJob(wordCountRequest(t, 2))
	require.NoError(t, err)

	reg := r.Register(protocol.RegisterRequest{Addr: "w1:8081", Slots: 4})
	resp := heartbeat(t, r, reg.WorkerID)
	require.Len(t, resp.Assignments, 2)

	// First stage-0 success: stage 1 must stay locked.
	r.ReportTask(protocol.TaskReportRequest{
		WorkerID: reg.WorkerID,
		TaskID:   resp.Assignments[0].TaskID,
		Attempt:  0,
		Outcome:  succeededShuffle(resp.Assignments[0], "w1:8081"),
	})
	require.Empty(t, heartbeat(t, r, reg.WorkerID).Assignments)

	r.ReportTask(protocol.TaskReportRequest{
		WorkerID: reg.WorkerID,
		TaskID:   resp.Assignments[1].TaskID,
		Attempt:  0,
		Outcome:  succeededShuffle(resp.Assignments[1], "w1:8081"),
	})

	// Barrier lifted: stage 1 tasks arrive carrying the producers
	// advertised by stage 0.
	next := heartbeat(t, r, reg.WorkerID).Assignments
	require.Len(t, next, 2)
	require.Equal(t, 1, next[0].StageID)
	require.Equal(t, dag.InputShuffle, next[0].Inputs[0].Type)
	require.Equal(t, []string{"w1:8081", "w1:8081"}, next[0].Inputs[0].Producers)
	require.Equal(t, dag.SinkFiles, next[0].Sink.Type)
	require.Contains(t, next[0].Sink.OutputPath, info.ID)

	for _, a := range next {
		r.ReportTask(protocol.TaskReportRequest{
			WorkerID: reg.WorkerID,
			TaskID:   a.TaskID,
			Attempt:  0,
			Outcome:  succeededFile(a),
		})
	}

	got, ok := r.GetJob(info.ID)
	require.True(t, ok)
	require.Equal(t, protocol.StatusSucceeded, got.Status)
	require.Equal(t, got.TotalTasks, got.CompletedTasks)

	res, ok := r.GetResults(info.ID)
	require.True(t, ok)
	require.Len(t, res.Files, 2)

	// Terminal job broadcasts tmp cleanup.
	require.Equal(t, []string{info.ID}, heartbeat(t, r, reg.WorkerID).CleanupJobs)
}

func TestRetryBudgetFailsJob(t *testing.T) {
	r, _ := newTestRegistry(t)
	info, err := r.SubmitJob(wordCountRequest(t, 1))
	require.NoError(t, err)

	reg := r.Register(protocol.RegisterRequest{Addr: "w1:8081", Slots: 1})

	failed := protocol.TaskOutcome{
		Status:    protocol.StatusFailed,
		ErrorKind: string(fault.TypeError),
		Message:   "non-numeric value \"abc\"",
	}

	// Attempts 0 and 1 requeue, attempt 2 exhausts the budget.
	for attempt := 0; attempt < 3; attempt++ {
		resp := heartbeat(t, r, reg.WorkerID)
		require.Len(t, resp.Assignments, 1, "attempt %d", attempt)
		require.Equal(t, attempt, resp.Assignments[0].Attempt)
		r.ReportTask(protocol.TaskReportRequest{
			WorkerID: reg.WorkerID,
			TaskID:   resp.Assignments[0].TaskID,
			Attempt:  attempt,
			Outcome:  failed,
		})
	}

	got, ok := r.GetJob(info.ID)
	require.True(t, ok)
	require.Equal(t, protocol.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	require.Equal(t, string(fault.TypeError), got.LastError.Kind)

	res, _ := r.GetResults(info.ID)
	require.Equal(t, protocol.StatusFailed, res.Status)
	require.Empty(t, res.Files)

	// No further assignments for a failed job.
	require.Empty(t, heartbeat(t, r, reg.WorkerID).Assignments)
}

func TestDeadWorkerRequeuesTasks(t *testing.T) {
	r, clock := newTestRegistry(t)
	_, err := r.SubmitJob(wordCountRequest(t, 2))
	require.NoError(t, err)

	w1 := r.Register(protocol.RegisterRequest{Addr: "w1:8081", Slots: 2})
	w2 := r.Register(protocol.RegisterRequest{Addr: "w2:8081", Slots: 2})

	first := heartbeat(t, r, w1.WorkerID)
	require.Len(t, first.Assignments, 2)

	// w2 keeps beating; w1 goes silent past the dead timeout.
	clock.advance(16 * time.Second)
	heartbeat(t, r, w2.WorkerID)
	r.SweepDeadWorkers()

	var deadInfo protocol.WorkerInfo
	for _, w := range r.Workers() {
		if w.WorkerID == w1.WorkerID {
			deadInfo = w
		}
	}
	require.True(t, deadInfo.Dead)
	require.Equal(t, 2, deadInfo.Retries)
	require.Equal(t, 0, deadInfo.Running)

	// The orphaned tasks reappear on the survivor with a bumped attempt.
	resp := heartbeat(t, r, w2.WorkerID)
	require.Len(t, resp.Assignments, 2)
	require.Equal(t, 1, resp.Assignments[0].Attempt)
	require.Equal(t, 0, resp.Assignments[0].Partition)

	// A report from the dead worker's stale attempt is ignored.
	r.ReportTask(protocol.TaskReportRequest{
		WorkerID: w1.WorkerID,
		TaskID:   first.Assignments[0].TaskID,
		Attempt:  0,
		Outcome:  succeededShuffle(first.Assignments[0], "w1:8081"),
	})
	got, _ := r.GetJob(r.jobOrder[0])
	require.Equal(t, 0, got.CompletedTasks)

	// A heartbeat revives the dead entry.
	heartbeat(t, r, w1.WorkerID)
	for _, w := range r.Workers() {
		if w.WorkerID == w1.WorkerID {
			require.False(t, w.Dead)
		}
	}
}

func TestTaskTimeoutFailsThroughRetryPath(t *testing.T) {
	r, clock := newTestRegistry(t)
	_, err := r.SubmitJob(wordCountRequest(t, 1))
	require.NoError(t, err)

	reg := r.Register(protocol.RegisterRequest{Addr: "w1:8081", Slots: 1})
	resp := heartbeat(t, r, reg.WorkerID)
	require.Len(t, resp.Assignments, 1)

	clock.advance(11 * time.Minute)
	r.SweepTaskTimeouts()

	// Requeued with attempt 1; the stale running task gets cancelled.
	hb := heartbeat(t, r, reg.WorkerID, resp.Assignments[0].TaskID)
	require.Contains(t, hb.CancelTasks, resp.Assignments[0].TaskID)
	require.Len(t, hb.Assignments, 1)
	require.Equal(t, 1, hb.Assignments[0].Attempt)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Heartbeat(protocol.HeartbeatRequest{WorkerID: "ghost"})
	require.Error(t, err)
}
