package dag

import (
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/udf"
)

// Validate checks a submitted graph against the admission rules:
// known ops, known function names, read_* roots with a resolvable
// input path, key params on wide operators, correct fan-in per
// operator, a single sink, and no cycles. Everything it rejects fails
// before a job id is issued.
func Validate(g *Graph, inputGlob string) error {
	if len(g.Nodes) == 0 {
		return fault.New(fault.InvalidDag, "graph has no nodes")
	}

	byID := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fault.New(fault.InvalidDag, "node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return fault.New(fault.InvalidDag, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	inbound := make(map[string]int, len(g.Nodes))
	outbound := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		src, dst := e[0], e[1]
		if _, ok := byID[src]; !ok {
			return fault.New(fault.InvalidDag, "edge references unknown node %q", src)
		}
		if _, ok := byID[dst]; !ok {
			return fault.New(fault.InvalidDag, "edge references unknown node %q", dst)
		}
		inbound[dst]++
		outbound[src]++
	}

	sinks := 0
	for _, n := range g.Nodes {
		if outbound[n.ID] == 0 {
			sinks++
		}
		if outbound[n.ID] > 1 {
			return fault.New(fault.InvalidDag, "node %q: fan-out is not supported", n.ID)
		}
		if err := validateNode(n, inbound[n.ID], inputGlob); err != nil {
			return err
		}
	}
	if sinks != 1 {
		return fault.New(fault.InvalidDag, "graph must have exactly one sink, found %d", sinks)
	}

	if _, err := topoSort(g); err != nil {
		return err
	}
	return nil
}

func validateNode(n Node, fanIn int, inputGlob string) error {
	switch n.Op {
	case OpReadCSV, OpReadText:
		if fanIn != 0 {
			return fault.New(fault.InvalidDag, "node %q: %s must be a root", n.ID, n.Op)
		}
		if n.Param(ParamPath) == "" && inputGlob == "" {
			return fault.New(fault.InvalidDag, "node %q: %s needs a path param or a job input_glob", n.ID, n.Op)
		}
	case OpMap, OpFilter:
		if fanIn != 1 {
			return fault.New(fault.InvalidDag, "node %q: %s takes exactly one input, got %d", n.ID, n.Op, fanIn)
		}
		var err error
		if n.Op == OpMap {
			_, err = udf.GetMap(n.Param(ParamFn))
		} else {
			_, err = udf.GetFilter(n.Param(ParamFn))
		}
		if err != nil {
			return err
		}
	case OpFlatMap:
		if fanIn != 1 {
			return fault.New(fault.InvalidDag, "node %q: flat_map takes exactly one input, got %d", n.ID, fanIn)
		}
		if _, err := udf.GetFlatMap(n.Param(ParamFn)); err != nil {
			return err
		}
	case OpReduceByKey:
		if fanIn != 1 {
			return fault.New(fault.InvalidDag, "node %q: reduce_by_key takes exactly one input, got %d", n.ID, fanIn)
		}
		if n.Param(ParamKey) == "" {
			return fault.New(fault.InvalidDag, "node %q: reduce_by_key needs a key param", n.ID)
		}
		if _, err := udf.GetReduce(n.Param(ParamFn)); err != nil {
			return err
		}
	case OpShuffle:
		if fanIn != 1 {
			return fault.New(fault.InvalidDag, "node %q: shuffle takes exactly one input, got %d", n.ID, fanIn)
		}
	case OpJoinByKey:
		if fanIn != 2 {
			return fault.New(fault.InvalidDag, "node %q: join_by_key takes exactly two inputs, got %d", n.ID, fanIn)
		}
		if n.Param(ParamKey) == "" {
			return fault.New(fault.InvalidDag, "node %q: join_by_key needs a key param", n.ID)
		}
	default:
		return fault.New(fault.InvalidDag, "node %q: unknown op %q", n.ID, n.Op)
	}
	return nil
}

// topoSort returns node ids in topological order, or InvalidDag when
// the graph has a cycle.
func topoSort(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	succ := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		succ[e[0]] = append(succ[e[0]], e[1])
		indegree[e[1]]++
	}

	var queue []string
	for _, n := range g.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fault.New(fault.InvalidDag, "graph has a cycle")
	}
	return order, nil
}
