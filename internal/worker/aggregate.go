package worker

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sparkmini/sparkmini/internal/record"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/udf"
)

// aggregator implements reduce_by_key with bounded memory: the live
// map never exceeds maxKeys entries. On overflow the map is sorted by
// key and flushed to a spill file; at the end all spills plus the
// final map are k-way merged, combining equal keys with the reducer.
// Spills share the shuffle bucket frame format.
type aggregator struct {
	keyField   string
	valueField string
	reduce     udf.ReduceFunc
	maxKeys    int
	dir        string

	acc    map[string]string
	spills []string
}

func newAggregator(keyField, valueField string, reduce udf.ReduceFunc, maxKeys int, dir string) *aggregator {
	return &aggregator{
		keyField:   keyField,
		valueField: valueField,
		reduce:     reduce,
		maxKeys:    maxKeys,
		dir:        dir,
		acc:        make(map[string]string),
	}
}

func (g *aggregator) add(rec record.Record) error {
	key, err := rec.Field(g.keyField)
	if err != nil {
		return err
	}
	value, err := rec.Value(g.valueField)
	if err != nil {
		return err
	}

	if cur, ok := g.acc[key]; ok {
		combined, err := g.reduce(cur, value)
		if err != nil {
			return err
		}
		g.acc[key] = combined
		return nil
	}

	// Probe the reducer so a value outside its domain fails on the
	// record that carried it, not when a second value for the same key
	// happens to arrive.
	if _, err := g.reduce(value, value); err != nil {
		return err
	}

	g.acc[key] = value
	if len(g.acc) >= g.maxKeys {
		return g.spill()
	}
	return nil
}

func (g *aggregator) spill() error {
	if len(g.acc) == 0 {
		return nil
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fault.Wrap(fault.IoError, err, "creating spill dir")
	}

	path := fmt.Sprintf("%s/spill-%d.bin", g.dir, len(g.spills))
	file, err := os.Create(path)
	if err != nil {
		return fault.Wrap(fault.IoError, err, "creating spill file")
	}
	defer file.Close()

	w := record.NewFrameWriter(file)
	for _, key := range sortedKeys(g.acc) {
		if err := w.Write(record.KV(key, g.acc[key])); err != nil {
			return fault.Wrap(fault.IoError, err, "writing spill file")
		}
	}
	if err := w.Flush(); err != nil {
		return fault.Wrap(fault.IoError, err, "flushing spill file")
	}

	g.spills = append(g.spills, path)
	g.acc = make(map[string]string)
	return nil
}

// drain merges everything accumulated and emits one KeyValue per
// distinct key. Output is sorted by key, a side effect of the merge
// that also makes re-execution byte-stable.
func (g *aggregator) drain(emit record.EmitFunc) error {
	if len(g.spills) == 0 {
		for _, key := range sortedKeys(g.acc) {
			if err := emit(record.KV(key, g.acc[key])); err != nil {
				return err
			}
		}
		return nil
	}

	streams := make([]kvStream, 0, len(g.spills)+1)
	for _, path := range g.spills {
		s, err := openSpillStream(path)
		if err != nil {
			return err
		}
		defer s.close()
		streams = append(streams, s)
	}
	streams = append(streams, newMemStream(g.acc))

	return mergeStreams(streams, g.reduce, emit)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

/* ---------------- k-way merge ---------------- */

// kvStream yields key/value pairs in ascending key order.
type kvStream interface {
	next() (key, value string, ok bool, err error)
	close()
}

type spillStream struct {
	file *os.File
	fr   *record.FrameReader
}

func openSpillStream(path string) (*spillStream, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.IoError, err, "opening spill %s", path)
	}
	return &spillStream{file: file, fr: record.NewFrameReader(file)}, nil
}

func (s *spillStream) next() (string, string, bool, error) {
	rec, err := s.fr.Next()
	if errors.Is(err, io.EOF) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fault.Wrap(fault.IoError, err, "reading spill")
	}
	return rec.K, rec.V, true, nil
}

func (s *spillStream) close() {
	s.file.Close()
}

type memStream struct {
	keys []string
	m    map[string]string
	i    int
}

func newMemStream(m map[string]string) *memStream {
	return &memStream{keys: sortedKeys(m), m: m}
}

func (s *memStream) next() (string, string, bool, error) {
	if s.i >= len(s.keys) {
		return "", "", false, nil
	}
	k := s.keys[s.i]
	s.i++
	return k, s.m[k], true, nil
}

func (s *memStream) close() {}

type mergeItem struct {
	key    string
	value  string
	stream int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].stream < h[j].stream
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

func mergeStreams(streams []kvStream, reduce udf.ReduceFunc, emit record.EmitFunc) error {
	h := &mergeHeap{}
	heap.Init(h)
	for i, s := range streams {
		k, v, ok, err := s.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, mergeItem{key: k, value: v, stream: i})
		}
	}

	var curKey, curValue string
	var started bool
	for h.Len() > 0 {
		it := heap.Pop(h).(mergeItem)

		if started && it.key == curKey {
			combined, err := reduce(curValue, it.value)
			if err != nil {
				return err
			}
			curValue = combined
		} else {
			if started {
				if err := emit(record.KV(curKey, curValue)); err != nil {
					return err
				}
			}
			curKey, curValue = it.key, it.value
			started = true
		}

		k, v, ok, err := streams[it.stream].next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, mergeItem{key: k, value: v, stream: it.stream})
		}
	}
	if started {
		return emit(record.KV(curKey, curValue))
	}
	return nil
}
