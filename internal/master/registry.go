package master

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

// Registry is the master's job, task, and worker state. One mutex
// guards the whole structure so task-state transitions are atomic
// across the three entry points (submit, heartbeat, task report) and
// the background sweeps. Mutations are O(small); heartbeat RTTs stay
// short.
type Registry struct {
	mu     sync.Mutex
	cfg    *config.MasterConfig
	logger logging.Logger
	now    func() time.Time

	jobs     map[string]*Job
	jobOrder []string
	taskJob  map[string]string // task id -> job id
	ready    map[string][]*Task
	workers  map[string]*WorkerEntry
}

func NewRegistry(cfg *config.MasterConfig, logger logging.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		jobs:    make(map[string]*Job),
		taskJob: make(map[string]string),
		ready:   make(map[string][]*Task),
		workers: make(map[string]*WorkerEntry),
	}
}

/* ---------------- job admission ---------------- */

// SubmitJob validates and compiles a submission. On success the job
// exists with its full task table and stage 0 ready for dispatch; on
// any error nothing is admitted and no job id is issued.
func (r *Registry) SubmitJob(req protocol.SubmitJobRequest) (protocol.JobInfo, error) {
	if req.Parallelism < 1 {
		return protocol.JobInfo{}, fault.New(fault.InvalidDag, "parallelism must be at least 1, got %d", req.Parallelism)
	}
	if req.OutputDir == "" {
		return protocol.JobInfo{}, fault.New(fault.InvalidDag, "output_dir is required")
	}
	if err := dag.Validate(&req.Dag, req.InputGlob); err != nil {
		return protocol.JobInfo{}, err
	}
	plan, err := dag.Compile(&req.Dag, req.InputGlob, req.Parallelism)
	if err != nil {
		return protocol.JobInfo{}, err
	}

	// Resolve every file-fed stage before admitting. A glob that
	// matches nothing fails the submission, not a task.
	stageFiles := make(map[int][][]string)
	for _, stage := range plan.Stages {
		in := stage.Inputs[0]
		if in.Type != dag.InputFiles {
			continue
		}
		files, err := dag.ExpandGlob(in.Glob)
		if err != nil {
			return protocol.JobInfo{}, err
		}
		if len(files) == 0 {
			return protocol.JobInfo{}, fault.New(fault.InputNotFound, "input glob %q matches no files", in.Glob)
		}
		stageFiles[stage.ID] = dag.PartitionFiles(files, req.Parallelism)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Status:      JobPending,
		Graph:       req.Dag,
		Plan:        plan,
		OutputDir:   req.OutputDir,
		SubmittedAt: r.now(),
		Producers:   make(map[string][]string),
	}
	for _, stage := range plan.Stages {
		tasks := make([]*Task, req.Parallelism)
		for p := 0; p < req.Parallelism; p++ {
			tasks[p] = &Task{
				ID:        uuid.NewString(),
				JobID:     job.ID,
				StageID:   stage.ID,
				Partition: p,
				Status:    TaskPending,
				Files:     fileSlice(stageFiles, stage.ID, p),
			}
		}
		job.StageTasks = append(job.StageTasks, tasks)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = job
	r.jobOrder = append(r.jobOrder, job.ID)
	for _, stage := range job.StageTasks {
		for _, t := range stage {
			r.taskJob[t.ID] = job.ID
		}
	}
	r.ready[job.ID] = append([]*Task(nil), job.StageTasks[0]...)

	r.logger.Info("job admitted",
		"job_id", job.ID,
		"name", job.Name,
		"stages", len(plan.Stages),
		"parallelism", req.Parallelism,
	)
	return r.jobInfoLocked(job), nil
}

func fileSlice(stageFiles map[int][][]string, stageID, partition int) []string {
	parts, ok := stageFiles[stageID]
	if !ok {
		return nil
	}
	return parts[partition]
}

/* ---------------- worker control plane ---------------- */

func (r *Registry) Register(req protocol.RegisterRequest) protocol.RegisterResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &WorkerEntry{
		ID:            uuid.NewString(),
		Addr:          req.Addr,
		Slots:         max(req.Slots, 1),
		LastHeartbeat: r.now(),
		Running:       make(map[string]string),
	}
	r.workers[w.ID] = w

	r.logger.Info("worker registered", "worker_id", w.ID, "addr", w.Addr, "slots", w.Slots)
	return protocol.RegisterResponse{
		WorkerID:      w.ID,
		HeartbeatMs:   r.cfg.Heartbeat.Milliseconds(),
		DeadTimeoutMs: r.cfg.DeadTimeout.Milliseconds(),
	}
}

// Heartbeat records liveness, cancels tasks the worker should abandon,
// hands out tmp-cleanup notices, and assigns up to free_slots ready
// tasks. Dispatch is first-come-first-served on heartbeat arrival;
// within a stage tasks leave the queue in partition-index order.
func (r *Registry) Heartbeat(req protocol.HeartbeatRequest) (protocol.HeartbeatResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[req.WorkerID]
	if !ok {
		return protocol.HeartbeatResponse{}, fault.New(fault.IoError, "unknown worker %q", req.WorkerID)
	}
	if w.Dead {
		w.Dead = false
		r.logger.Info("worker revived", "worker_id", w.ID)
	}
	w.LastHeartbeat = r.now()
	w.MemBytes = req.MemBytes

	resp := protocol.HeartbeatResponse{
		Assignments: []protocol.TaskAssignment{},
		CancelTasks: []string{},
		CleanupJobs: append([]string{}, w.CleanupPending...),
	}
	w.CleanupPending = nil

	for _, taskID := range req.Running {
		if r.shouldCancelLocked(taskID, w.ID) {
			resp.CancelTasks = append(resp.CancelTasks, taskID)
		}
	}

	free := w.Slots - len(w.Running)
	for free > 0 {
		job, task := r.nextReadyLocked()
		if task == nil {
			break
		}
		r.assignLocked(job, task, w)
		resp.Assignments = append(resp.Assignments, r.assignmentLocked(job, task))
		free--
	}
	return resp, nil
}

func (r *Registry) shouldCancelLocked(taskID, workerID string) bool {
	jobID, ok := r.taskJob[taskID]
	if !ok {
		return true
	}
	job := r.jobs[jobID]
	if job.terminal() {
		return true
	}
	task := job.task(taskID)
	return task == nil || task.Status != TaskRunning || task.WorkerID != workerID
}

// nextReadyLocked picks the head task across jobs in submission order.
func (r *Registry) nextReadyLocked() (*Job, *Task) {
	for _, jobID := range r.jobOrder {
		queue := r.ready[jobID]
		if len(queue) == 0 {
			continue
		}
		job := r.jobs[jobID]
		if job.terminal() {
			continue
		}
		task := queue[0]
		r.ready[jobID] = queue[1:]
		return job, task
	}
	return nil, nil
}

func (r *Registry) assignLocked(job *Job, task *Task, w *WorkerEntry) {
	task.Status = TaskRunning
	task.WorkerID = w.ID
	task.StartedAt = r.now()
	w.Running[task.ID] = job.ID
	if job.Status == JobPending {
		job.Status = JobRunning
		job.StartedAt = r.now()
	}
	r.logger.Debug("task assigned",
		"task_id", task.ID,
		"job_id", job.ID,
		"stage", task.StageID,
		"partition", task.Partition,
		"attempt", task.Attempt,
		"worker_id", w.ID,
	)
}

func (r *Registry) assignmentLocked(job *Job, task *Task) protocol.TaskAssignment {
	stage := job.Plan.Stages[task.StageID]

	inputs := make([]protocol.TaskInput, 0, len(stage.Inputs))
	for _, in := range stage.Inputs {
		switch in.Type {
		case dag.InputFiles:
			inputs = append(inputs, protocol.TaskInput{Type: dag.InputFiles, Files: task.Files})
		case dag.InputShuffle:
			inputs = append(inputs, protocol.TaskInput{
				Type:      dag.InputShuffle,
				ShuffleID: in.ShuffleID,
				Producers: append([]string(nil), job.Producers[in.ShuffleID]...),
			})
		}
	}

	sink := protocol.TaskSink{Type: stage.Sink.Type}
	switch stage.Sink.Type {
	case dag.SinkShuffle:
		sink.ShuffleID = stage.Sink.ShuffleID
		sink.Key = stage.Sink.Key
	case dag.SinkFiles:
		sink.OutputPath = filepath.Join(job.OutputDir,
			fmt.Sprintf("%s-%d-%d-%d.jsonl", job.ID, task.StageID, task.Partition, task.Attempt))
	}

	return protocol.TaskAssignment{
		TaskID:      task.ID,
		JobID:       job.ID,
		StageID:     task.StageID,
		Partition:   task.Partition,
		Attempt:     task.Attempt,
		Parallelism: job.Plan.Parallelism,
		Ops:         stage.Ops,
		Inputs:      inputs,
		Sink:        sink,
	}
}

// ReportTask applies a worker's outcome for one task attempt. Reports
// for unknown tasks, stale attempts, cancelled jobs, or workers that
// lost the task to a re-assignment are acknowledged and dropped.
func (r *Registry) ReportTask(req protocol.TaskReportRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobID, ok := r.taskJob[req.TaskID]
	if !ok {
		return
	}
	job := r.jobs[jobID]
	task := job.task(req.TaskID)
	if task == nil || job.terminal() {
		return
	}
	if task.Status != TaskRunning || task.Attempt != req.Attempt || task.WorkerID != req.WorkerID {
		r.logger.Debug("stale task report ignored",
			"task_id", req.TaskID, "attempt", req.Attempt, "worker_id", req.WorkerID)
		return
	}

	if w, ok := r.workers[req.WorkerID]; ok {
		delete(w.Running, task.ID)
	}

	if req.Outcome.Status == protocol.StatusSucceeded {
		r.completeTaskLocked(job, task, req.Outcome.Outputs)
		return
	}

	if w, ok := r.workers[req.WorkerID]; ok {
		w.Failures++
	}
	kind := req.Outcome.ErrorKind
	if kind == "" {
		kind = string(fault.IoError)
	}
	r.failTaskLocked(job, task, kind, req.Outcome.Message)
}

func (r *Registry) completeTaskLocked(job *Job, task *Task, outputs []protocol.TaskOutput) {
	task.Status = TaskSucceeded
	task.EndedAt = r.now()
	task.Outputs = outputs

	for _, out := range outputs {
		if out.Shuffle == nil {
			continue
		}
		ref := out.Shuffle
		producers := job.Producers[ref.ShuffleID]
		if producers == nil {
			producers = make([]string, job.Plan.Parallelism)
		}
		if ref.Src >= 0 && ref.Src < len(producers) {
			producers[ref.Src] = ref.Addr
		}
		job.Producers[ref.ShuffleID] = producers
	}

	r.logger.Info("task succeeded",
		"task_id", task.ID, "job_id", job.ID, "stage", task.StageID, "partition", task.Partition)

	for _, t := range job.StageTasks[job.CurrentStage] {
		if t.Status != TaskSucceeded {
			return
		}
	}
	r.advanceStageLocked(job)
}

func (r *Registry) advanceStageLocked(job *Job) {
	job.CurrentStage++
	if job.CurrentStage < len(job.StageTasks) {
		r.ready[job.ID] = append(r.ready[job.ID], job.StageTasks[job.CurrentStage]...)
		r.logger.Info("stage ready", "job_id", job.ID, "stage", job.CurrentStage)
		return
	}

	job.Status = JobSucceeded
	job.EndedAt = r.now()
	for _, t := range job.StageTasks[len(job.StageTasks)-1] {
		for _, out := range t.Outputs {
			if out.Path != "" {
				job.OutputFiles = append(job.OutputFiles, out.Path)
			}
		}
	}
	sort.Strings(job.OutputFiles)
	r.broadcastCleanupLocked(job.ID)
	r.logger.Info("job succeeded", "job_id", job.ID, "files", len(job.OutputFiles))
}

// failTaskLocked consults the retry budget: either the task goes back
// to PENDING with a bumped attempt, or the budget is spent and the job
// fails, cancelling everything still in flight.
func (r *Registry) failTaskLocked(job *Job, task *Task, kind, message string) {
	if task.Attempt+1 >= r.cfg.MaxAttempts {
		task.Status = TaskFailed
		task.EndedAt = r.now()
		job.Status = JobFailed
		job.EndedAt = r.now()
		job.LastError = &protocol.ErrorInfo{Kind: kind, Message: message, TaskID: task.ID}
		r.ready[job.ID] = nil
		for _, w := range r.workers {
			for taskID, jobID := range w.Running {
				if jobID == job.ID {
					delete(w.Running, taskID)
				}
			}
		}
		r.broadcastCleanupLocked(job.ID)
		r.logger.Warn("job failed",
			"job_id", job.ID, "task_id", task.ID, "kind", kind, "message", message)
		return
	}

	task.Attempt++
	task.Status = TaskPending
	task.WorkerID = ""
	r.requeueLocked(job.ID, task)
	r.logger.Info("task requeued",
		"task_id", task.ID, "job_id", job.ID, "attempt", task.Attempt, "kind", kind)
}

// requeueLocked inserts by partition index so retried tasks keep the
// deterministic dequeue order.
func (r *Registry) requeueLocked(jobID string, task *Task) {
	queue := r.ready[jobID]
	i := sort.Search(len(queue), func(i int) bool {
		return queue[i].Partition > task.Partition
	})
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = task
	r.ready[jobID] = queue
}

func (r *Registry) broadcastCleanupLocked(jobID string) {
	for _, w := range r.workers {
		w.CleanupPending = append(w.CleanupPending, jobID)
	}
}

/* ---------------- background sweeps ---------------- */

// SweepDeadWorkers marks workers silent past the dead timeout and
// returns their in-flight tasks to the queue with a bumped attempt.
// The entries stay registered, dead=true, for observability.
func (r *Registry) SweepDeadWorkers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, w := range r.workers {
		if w.Dead || now.Sub(w.LastHeartbeat) <= r.cfg.DeadTimeout {
			continue
		}
		w.Dead = true
		r.logger.Warn("worker declared dead",
			"worker_id", w.ID, "addr", w.Addr, "silent_for", now.Sub(w.LastHeartbeat).String())

		for taskID, jobID := range w.Running {
			delete(w.Running, taskID)
			job := r.jobs[jobID]
			if job == nil || job.terminal() {
				continue
			}
			task := job.task(taskID)
			if task == nil || task.Status != TaskRunning {
				continue
			}
			w.Retries++
			r.failTaskLocked(job, task, string(fault.IoError),
				fmt.Sprintf("worker %s declared dead", w.ID))
		}
	}
}

// SweepTaskTimeouts fails tasks running past the per-task wall clock.
func (r *Registry) SweepTaskTimeouts() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, jobID := range r.jobOrder {
		job := r.jobs[jobID]
		if job.terminal() {
			continue
		}
		for _, stage := range job.StageTasks {
			for _, task := range stage {
				if task.Status != TaskRunning || now.Sub(task.StartedAt) <= r.cfg.TaskTimeout {
					continue
				}
				if w, ok := r.workers[task.WorkerID]; ok {
					delete(w.Running, task.ID)
				}
				r.failTaskLocked(job, task, string(fault.Timeout),
					fmt.Sprintf("task exceeded %s", r.cfg.TaskTimeout))
			}
		}
	}
}

/* ---------------- read side ---------------- */

func (r *Registry) GetJob(id string) (protocol.JobInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return protocol.JobInfo{}, false
	}
	return r.jobInfoLocked(job), true
}

func (r *Registry) GetResults(id string) (protocol.JobResults, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return protocol.JobResults{}, false
	}
	res := protocol.JobResults{ID: job.ID, Status: string(job.Status), Files: []string{}}
	if job.Status == JobSucceeded {
		res.Files = append(res.Files, job.OutputFiles...)
	}
	return res, true
}

func (r *Registry) Workers() []protocol.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	infos := make([]protocol.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		infos = append(infos, protocol.WorkerInfo{
			WorkerID:    w.ID,
			Addr:        w.Addr,
			Slots:       w.Slots,
			Running:     len(w.Running),
			MemBytes:    w.MemBytes,
			Dead:        w.Dead,
			Failures:    w.Failures,
			Retries:     w.Retries,
			LastHbMsAgo: now.Sub(w.LastHeartbeat).Milliseconds(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos
}

func (r *Registry) jobInfoLocked(job *Job) protocol.JobInfo {
	info := protocol.JobInfo{
		ID:        job.ID,
		Name:      job.Name,
		Status:    string(job.Status),
		Dag:       job.Graph,
		LastError: job.LastError,
	}
	if !job.StartedAt.IsZero() {
		ms := job.StartedAt.UnixMilli()
		info.StartedAt = &ms
	}
	if !job.EndedAt.IsZero() {
		ms := job.EndedAt.UnixMilli()
		info.EndedAt = &ms
	}
	for si, tasks := range job.StageTasks {
		stage := protocol.StageInfo{ID: si, Total: len(tasks)}
		for _, op := range job.Plan.Stages[si].Ops {
			stage.Ops = append(stage.Ops, op.ID)
		}
		for _, t := range tasks {
			info.TotalTasks++
			switch t.Status {
			case TaskSucceeded:
				info.CompletedTasks++
				stage.Completed++
			case TaskFailed:
				info.FailedTasks++
			}
		}
		info.Stages = append(info.Stages, stage)
	}
	return info
}
