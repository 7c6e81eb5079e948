package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

const (
	registerBackoff = time.Second
	reportAttempts  = 3
	orphanTmpMaxAge = 24 * time.Hour
)

type runningTask struct {
	assignment protocol.TaskAssignment
	cancel     context.CancelFunc
}

// Worker registers with the master, heartbeats on a timer, and runs up
// to slots assignments concurrently on a pool. The heartbeat both
// proves liveness and pulls new work; its response also carries
// cancellations and tmp-cleanup notices.
type Worker struct {
	cfg      *config.WorkerConfig
	logger   logging.Logger
	client   *MasterClient
	executor *Executor
	shuffle  *ShuffleServer
	pool     *workerpool.WorkerPool

	advertiseAddr string
	workerID      string

	mu      sync.Mutex
	running map[string]*runningTask
}

func New(cfg *config.WorkerConfig, advertiseAddr string, shuffle *ShuffleServer, logger logging.Logger) *Worker {
	return &Worker{
		cfg:           cfg,
		logger:        logger,
		client:        NewMasterClient(cfg.MasterURL),
		executor:      NewExecutor(cfg, advertiseAddr, logger),
		shuffle:       shuffle,
		pool:          workerpool.New(cfg.Slots),
		advertiseAddr: advertiseAddr,
		running:       make(map[string]*runningTask),
	}
}

// Run registers, then heartbeats until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.cleanOrphanTmp()

	interval, err := w.register(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.pool.Stop()
			return nil
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) register(ctx context.Context) (time.Duration, error) {
	for {
		resp, err := w.client.Register(ctx, w.advertiseAddr, w.cfg.Slots)
		if err == nil {
			w.workerID = resp.WorkerID
			interval := w.cfg.Heartbeat
			if resp.HeartbeatMs > 0 {
				interval = time.Duration(resp.HeartbeatMs) * time.Millisecond
			}
			w.logger.Info("registered with master",
				"worker_id", w.workerID,
				"addr", w.advertiseAddr,
				"slots", w.cfg.Slots,
				"heartbeat", interval.String(),
			)
			return interval, nil
		}

		w.logger.Warn("registration failed, retrying", "error", err)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(registerBackoff):
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	req := protocol.HeartbeatRequest{
		WorkerID: w.workerID,
		MemBytes: memStats.Sys,
		Running:  w.runningIDs(),
	}
	resp, err := w.client.Heartbeat(ctx, req)
	if err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
		return
	}

	for _, taskID := range resp.CancelTasks {
		w.cancelTask(taskID)
	}
	for _, jobID := range resp.CleanupJobs {
		w.cleanupJob(jobID)
	}
	for _, a := range resp.Assignments {
		w.launch(ctx, a)
	}
}

func (w *Worker) runningIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) cancelTask(taskID string) {
	w.mu.Lock()
	rt := w.running[taskID]
	w.mu.Unlock()
	if rt != nil {
		w.logger.Info("cancelling task", "task_id", taskID)
		rt.cancel()
	}
}

func (w *Worker) cleanupJob(jobID string) {
	dir := jobDir(w.cfg.TmpDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn("tmp cleanup failed", "job_id", jobID, "error", err)
		return
	}
	w.shuffle.MarkCleaned(jobID)
	w.logger.Info("cleaned job tmp", "job_id", jobID, "dir", dir)
}

func (w *Worker) launch(ctx context.Context, a protocol.TaskAssignment) {
	taskCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.running[a.TaskID] = &runningTask{assignment: a, cancel: cancel}
	w.mu.Unlock()

	w.logger.Info("task accepted",
		"task_id", a.TaskID,
		"job_id", a.JobID,
		"stage", a.StageID,
		"partition", a.Partition,
		"attempt", a.Attempt,
	)

	w.pool.Submit(func() {
		defer cancel()
		outputs, err := w.executor.Run(taskCtx, a)
		// Transient disk/network trouble gets one local retry before
		// the master is bothered; operator faults never do.
		if err != nil && fault.Retryable(err) && taskCtx.Err() == nil {
			w.logger.Warn("retrying task after transient error",
				"task_id", a.TaskID, "error", err)
			outputs, err = w.executor.Run(taskCtx, a)
		}

		w.mu.Lock()
		delete(w.running, a.TaskID)
		w.mu.Unlock()

		outcome := protocol.TaskOutcome{Status: protocol.StatusSucceeded, Outputs: outputs}
		if err != nil {
			outcome = protocol.TaskOutcome{
				Status:    protocol.StatusFailed,
				ErrorKind: string(fault.KindOf(err)),
				Message:   err.Error(),
			}
			w.logger.Error("task failed",
				"task_id", a.TaskID, "job_id", a.JobID, "kind", outcome.ErrorKind, "error", err)
		}
		w.report(ctx, a, outcome)
	})
}

func (w *Worker) report(ctx context.Context, a protocol.TaskAssignment, outcome protocol.TaskOutcome) {
	req := protocol.TaskReportRequest{
		WorkerID: w.workerID,
		TaskID:   a.TaskID,
		Attempt:  a.Attempt,
		Outcome:  outcome,
	}
	var err error
	for attempt := 0; attempt < reportAttempts; attempt++ {
		if err = w.client.ReportTask(ctx, req); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(registerBackoff):
		}
	}
	w.logger.Error("task report dropped", "task_id", a.TaskID, "error", err)
}

// cleanOrphanTmp removes job trees left behind by a previous worker
// process on this machine.
func (w *Worker) cleanOrphanTmp() {
	entries, err := os.ReadDir(w.cfg.TmpDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-orphanTmpMaxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(w.cfg.TmpDir, entry.Name())
		if err := os.RemoveAll(dir); err == nil {
			w.logger.Info("removed orphan tmp tree", "dir", dir)
		}
	}
}
