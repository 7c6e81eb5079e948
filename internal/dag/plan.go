package dag

import (
	"fmt"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

type InputType string

const (
	InputFiles   InputType = "files"
	InputShuffle InputType = "shuffle"
)

// Input feeds a stage either from external files (a read_* stage) or
// from the buckets of an upstream shuffle.
type Input struct {
	Type      InputType `json:"type"`
	Glob      string    `json:"glob,omitempty"`
	ShuffleID string    `json:"shuffle_id,omitempty"`
}

type SinkType string

const (
	SinkShuffle SinkType = "shuffle"
	SinkFiles   SinkType = "files"
)

// Sink is where a stage's output goes: bucketed shuffle files for a
// downstream wide operator, or final JSONL files for the terminal
// stage. Key is the field the producer routes buckets by.
type Sink struct {
	Type      SinkType `json:"type"`
	ShuffleID string   `json:"shuffle_id,omitempty"`
	Key       string   `json:"key,omitempty"`
}

// Stage is a maximal run of fused operators. Ops[0] is a read_* node
// (a file-fed stage; a join plan has two) or a wide operator consuming
// co-partitioned shuffle input;
// the rest are narrow operators in execution order.
type Stage struct {
	ID     int     `json:"id"`
	Ops    []Node  `json:"ops"`
	Inputs []Input `json:"inputs"`
	Sink   Sink    `json:"sink"`
}

// Plan is the compiled stage graph of one job. Every stage runs with
// the same per-job parallelism.
type Plan struct {
	Stages      []Stage `json:"stages"`
	Parallelism int     `json:"parallelism"`
}

// Compile turns a validated graph into a staged plan: stages open at
// each read_* and on the downstream side of each wide operator, narrow
// operators fuse into the current stage, and the terminal stage gets
// the file sink. Stage ids follow topological order, so stage K only
// ever consumes shuffles produced by stages < K.
func Compile(g *Graph, inputGlob string, parallelism int) (*Plan, error) {
	if parallelism < 1 {
		return nil, fault.New(fault.InvalidDag, "parallelism must be at least 1, got %d", parallelism)
	}

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	// Inbound edges per node, in declaration order: for join_by_key the
	// first inbound edge is the left side.
	parents := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		parents[e[1]] = append(parents[e[1]], e[0])
	}

	plan := &Plan{Parallelism: parallelism}
	stageOf := make(map[string]int, len(g.Nodes))

	for _, id := range order {
		n := byID[id]
		switch {
		case isRead(n.Op):
			glob := n.Param(ParamPath)
			if glob == "" {
				glob = inputGlob
			}
			plan.Stages = append(plan.Stages, Stage{
				ID:     len(plan.Stages),
				Ops:    []Node{n},
				Inputs: []Input{{Type: InputFiles, Glob: glob}},
			})
			stageOf[id] = len(plan.Stages) - 1

		case IsNarrow(n.Op):
			s := stageOf[parents[id][0]]
			plan.Stages[s].Ops = append(plan.Stages[s].Ops, n)
			stageOf[id] = s

		case IsWide(n.Op):
			inputs := make([]Input, 0, len(parents[id]))
			for i, parent := range parents[id] {
				shuffleID := fmt.Sprintf("%s.%d", id, i)
				up := stageOf[parent]
				plan.Stages[up].Sink = Sink{
					Type:      SinkShuffle,
					ShuffleID: shuffleID,
					Key:       n.Param(ParamKey),
				}
				inputs = append(inputs, Input{Type: InputShuffle, ShuffleID: shuffleID})
			}
			plan.Stages = append(plan.Stages, Stage{
				ID:     len(plan.Stages),
				Ops:    []Node{n},
				Inputs: inputs,
			})
			stageOf[id] = len(plan.Stages) - 1

		default:
			return nil, fault.New(fault.InvalidDag, "node %q: unknown op %q", n.ID, n.Op)
		}
	}

	// Stages left without a sink are terminal.
	for i := range plan.Stages {
		if plan.Stages[i].Sink.Type == "" {
			plan.Stages[i].Sink = Sink{Type: SinkFiles}
		}
	}
	return plan, nil
}

// PartitionFiles assigns sorted input files to partitions round-robin:
// partition i takes files i, i+p, i+2p, ... A partition may end up
// with no files at all; its task still runs and succeeds empty.
func PartitionFiles(files []string, parallelism int) [][]string {
	parts := make([][]string, parallelism)
	for i, f := range files {
		p := i % parallelism
		parts[p] = append(parts[p], f)
	}
	return parts
}
