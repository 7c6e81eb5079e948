package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sparkmini/sparkmini/internal/dag"
	"github.com/sparkmini/sparkmini/internal/record"
	"github.com/sparkmini/sparkmini/internal/shared/config"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/logging"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
	"github.com/sparkmini/sparkmini/internal/udf"
)

// Executor runs one task end to end: source, fused narrow operators,
// terminal operator, sink. Everything streams; the only buffering is
// the reduce aggregator (bounded, spilling) and the join build side.
type Executor struct {
	cfg           *config.WorkerConfig
	advertiseAddr string
	logger        logging.Logger
	client        *http.Client
}

func NewExecutor(cfg *config.WorkerConfig, advertiseAddr string, logger logging.Logger) *Executor {
	return &Executor{
		cfg:           cfg,
		advertiseAddr: advertiseAddr,
		logger:        logger,
		client:        &http.Client{Timeout: 2 * time.Minute},
	}
}

// Run executes the assignment and returns the outputs to report. Any
// error aborts the task; partial sink output is never committed.
func (e *Executor) Run(ctx context.Context, a protocol.TaskAssignment) ([]protocol.TaskOutput, error) {
	started := time.Now()

	sink, finish, abort, err := e.openSink(a)
	if err != nil {
		return nil, err
	}

	outputs, err := func() ([]protocol.TaskOutput, error) {
		if err := e.runPipeline(ctx, a, sink); err != nil {
			return nil, err
		}
		return finish()
	}()
	if err != nil {
		abort()
		return nil, err
	}

	e.logger.Info("task finished",
		"task_id", a.TaskID,
		"job_id", a.JobID,
		"stage", a.StageID,
		"partition", a.Partition,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return outputs, nil
}

func (e *Executor) runPipeline(ctx context.Context, a protocol.TaskAssignment, sink record.EmitFunc) error {
	if len(a.Ops) == 0 {
		return fault.New(fault.InvalidDag, "task %s has no operators", a.TaskID)
	}
	head, rest := a.Ops[0], a.Ops[1:]

	emit, err := compileNarrow(rest, withCancel(ctx, sink))
	if err != nil {
		return err
	}

	switch head.Op {
	case dag.OpReadCSV, dag.OpReadText:
		return e.runRead(head, a.Inputs[0].Files, emit)

	case dag.OpReduceByKey:
		return e.runReduce(ctx, a, head, emit)

	case dag.OpJoinByKey:
		return e.runJoin(ctx, a, head, emit)

	case dag.OpShuffle:
		// The records were co-partitioned on the way in; the op itself
		// is a pass-through.
		return e.emitShuffleInput(ctx, a, a.Inputs[0], emit)

	default:
		return fault.New(fault.InvalidDag, "operator %q cannot head a stage", head.Op)
	}
}

func (e *Executor) runRead(head dag.Node, files []string, emit record.EmitFunc) error {
	read := record.ReadTextFile
	if head.Op == dag.OpReadCSV {
		read = record.ReadCSVFile
	}
	for _, file := range files {
		if err := read(file, emit); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runReduce(ctx context.Context, a protocol.TaskAssignment, head dag.Node, emit record.EmitFunc) error {
	reduce, err := udf.GetReduce(head.Param(dag.ParamFn))
	if err != nil {
		return err
	}

	dir := spillDir(e.cfg.TmpDir, a.JobID, a.StageID, a.Partition, a.Attempt)
	defer os.RemoveAll(dir)

	agg := newAggregator(head.Param(dag.ParamKey), head.Param(dag.ParamValue), reduce, e.cfg.MaxInMemKeys, dir)
	if err := e.emitShuffleInput(ctx, a, a.Inputs[0], withCancel(ctx, agg.add)); err != nil {
		return err
	}
	return agg.drain(emit)
}

func (e *Executor) runJoin(ctx context.Context, a protocol.TaskAssignment, head dag.Node, emit record.EmitFunc) error {
	if len(a.Inputs) != 2 {
		return fault.New(fault.InvalidDag, "join task %s needs two inputs, got %d", a.TaskID, len(a.Inputs))
	}
	key := head.Param(dag.ParamKey)

	// Build side: the left input lands fully in memory, keyed for the
	// probe. Both sides were shuffled here by the same key, so the map
	// only holds this partition's share of the left relation.
	left := make(map[string][]record.Record)
	err := e.emitShuffleInput(ctx, a, a.Inputs[0], withCancel(ctx, func(rec record.Record) error {
		k, err := rec.Field(key)
		if err != nil {
			return err
		}
		left[k] = append(left[k], rec)
		return nil
	}))
	if err != nil {
		return err
	}

	// Probe side streams; inner join, so right records without a left
	// match are dropped.
	return e.emitShuffleInput(ctx, a, a.Inputs[1], withCancel(ctx, func(rec record.Record) error {
		k, err := rec.Field(key)
		if err != nil {
			return err
		}
		for _, l := range left[k] {
			if err := emit(record.Tuple(l, rec)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// emitShuffleInput fetches this partition's bucket from every upstream
// partition and replays the buckets in src order.
func (e *Executor) emitShuffleInput(ctx context.Context, a protocol.TaskAssignment, in protocol.TaskInput, emit record.EmitFunc) error {
	dir := fetchDir(e.cfg.TmpDir, a.JobID, a.StageID, a.Partition, a.Attempt)
	defer os.RemoveAll(dir)

	paths, err := e.fetchBuckets(ctx, a.JobID, in.ShuffleID, in.Producers, a.Partition, dir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := replayFrames(path, emit); err != nil {
			return err
		}
	}
	return nil
}

func replayFrames(path string, emit record.EmitFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fault.Wrap(fault.IoError, err, "opening %s", path)
	}
	defer file.Close()

	fr := record.NewFrameReader(file)
	for {
		rec, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fault.Wrap(fault.IoError, err, "reading %s", path)
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}

/* ---------------- sinks ---------------- */

func (e *Executor) openSink(a protocol.TaskAssignment) (record.EmitFunc, func() ([]protocol.TaskOutput, error), func(), error) {
	switch a.Sink.Type {
	case dag.SinkFiles:
		w, err := record.NewJSONLWriter(a.Sink.OutputPath)
		if err != nil {
			return nil, nil, nil, err
		}
		finish := func() ([]protocol.TaskOutput, error) {
			if err := w.Commit(); err != nil {
				return nil, err
			}
			return []protocol.TaskOutput{{Path: a.Sink.OutputPath}}, nil
		}
		return w.Write, finish, w.Abort, nil

	case dag.SinkShuffle:
		bs, err := newBucketSet(e.cfg.TmpDir, a.JobID, a.Sink.ShuffleID, a.Partition, a.Parallelism, a.Sink.Key)
		if err != nil {
			return nil, nil, nil, err
		}
		finish := func() ([]protocol.TaskOutput, error) {
			if err := bs.commit(); err != nil {
				return nil, err
			}
			return []protocol.TaskOutput{{Shuffle: &protocol.ShuffleRef{
				ShuffleID: a.Sink.ShuffleID,
				Src:       a.Partition,
				Addr:      e.advertiseAddr,
			}}}, nil
		}
		return bs.write, finish, bs.abort, nil

	default:
		return nil, nil, nil, fault.New(fault.InvalidDag, "task %s has no sink", a.TaskID)
	}
}

/* ---------------- narrow operators ---------------- */

// compileNarrow composes the fused narrow tail of a stage into a
// single EmitFunc. Records stream through one at a time; nothing is
// buffered between operators.
func compileNarrow(ops []dag.Node, sink record.EmitFunc) (record.EmitFunc, error) {
	emit := sink
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		next := emit
		switch op.Op {
		case dag.OpMap:
			fn, err := udf.GetMap(op.Param(dag.ParamFn))
			if err != nil {
				return nil, err
			}
			emit = func(rec record.Record) error {
				out, err := fn(rec)
				if err != nil {
					return err
				}
				return next(out)
			}
		case dag.OpFilter:
			fn, err := udf.GetFilter(op.Param(dag.ParamFn))
			if err != nil {
				return nil, err
			}
			emit = func(rec record.Record) error {
				keep, err := fn(rec)
				if err != nil {
					return err
				}
				if !keep {
					return nil
				}
				return next(rec)
			}
		case dag.OpFlatMap:
			fn, err := udf.GetFlatMap(op.Param(dag.ParamFn))
			if err != nil {
				return nil, err
			}
			emit = func(rec record.Record) error {
				outs, err := fn(rec)
				if err != nil {
					return err
				}
				for _, out := range outs {
					if err := next(out); err != nil {
						return err
					}
				}
				return nil
			}
		default:
			return nil, fault.New(fault.InvalidDag, "operator %q is not narrow", op.Op)
		}
	}
	return emit, nil
}

// withCancel turns context cancellation into a Cancelled fault at the
// next record boundary, so a cancelled task stops between suspension
// points and its partial output is discarded.
func withCancel(ctx context.Context, emit record.EmitFunc) record.EmitFunc {
	return func(rec record.Record) error {
		if err := ctx.Err(); err != nil {
			return fault.New(fault.Cancelled, "task cancelled")
		}
		return emit(rec)
	}
}
