// Package dag defines the job graph submitted by clients and its
// compilation into a staged plan the scheduler can dispatch.
package dag

import (
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

// Op kinds accepted in submitted graphs.
const (
	OpReadCSV     = "read_csv"
	OpReadText    = "read_text"
	OpMap         = "map"
	OpFilter      = "filter"
	OpFlatMap     = "flat_map"
	OpReduceByKey = "reduce_by_key"
	OpShuffle     = "shuffle"
	OpJoinByKey   = "join_by_key"
)

// Params used by operators.
const (
	ParamFn    = "fn"
	ParamKey   = "key"
	ParamValue = "value"
	ParamPath  = "path"
)

// Graph is one operator invocation graph, immutable after submission.
type Graph struct {
	Nodes []Node      `json:"nodes"`
	Edges [][2]string `json:"edges"`
}

type Node struct {
	ID     string            `json:"id"`
	Op     string            `json:"op"`
	Params map[string]string `json:"params,omitempty"`
}

func (n Node) Param(name string) string {
	return n.Params[name]
}

func IsWide(op string) bool {
	switch op {
	case OpReduceByKey, OpShuffle, OpJoinByKey:
		return true
	}
	return false
}

func IsNarrow(op string) bool {
	switch op {
	case OpMap, OpFilter, OpFlatMap:
		return true
	}
	return false
}

func isRead(op string) bool {
	return op == OpReadCSV || op == OpReadText
}

// ExpandGlob resolves an input glob to the sorted list of regular
// files it matches. Deterministic ordering keeps the round-robin
// partition assignment stable across master restarts of the same job.
func ExpandGlob(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidDag, err, "bad input glob %q", pattern)
	}
	var files []string
	for _, name := range matches {
		info, err := os.Lstat(name)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}
