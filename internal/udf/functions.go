// Package udf holds the fixed registry of operator functions. Jobs
// name functions by string; nothing is ever loaded at runtime, which
// keeps the worker's trust surface small. Unknown names fail job
// admission.
package udf

import (
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/sparkmini/sparkmini/internal/record"
	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

type MapFunc func(record.Record) (record.Record, error)

type FlatMapFunc func(record.Record) ([]record.Record, error)

type FilterFunc func(record.Record) (bool, error)

// ReduceFunc combines two accumulated values for the same key.
type ReduceFunc func(a, b string) (string, error)

var mapFuncs = map[string]MapFunc{
	"identity": func(r record.Record) (record.Record, error) { return r, nil },
	"to_lower": caseFunc(strings.ToLower),
	"to_upper": caseFunc(strings.ToUpper),
}

var flatMapFuncs = map[string]FlatMapFunc{
	"tokenize": tokenize,
}

var filterFuncs = map[string]FilterFunc{
	"non_empty": nonEmpty,
}

var reduceFuncs = map[string]ReduceFunc{
	"sum": numericReduce(func(a, b float64) float64 { return a + b }),
	"min": numericReduce(func(a, b float64) float64 {
		if b < a {
			return b
		}
		return a
	}),
	"max": numericReduce(func(a, b float64) float64 {
		if b > a {
			return b
		}
		return a
	}),
}

func GetMap(name string) (MapFunc, error) {
	fn, ok := mapFuncs[name]
	if !ok {
		return nil, fault.New(fault.UnknownFunction, "no map function %q", name)
	}
	return fn, nil
}

func GetFlatMap(name string) (FlatMapFunc, error) {
	fn, ok := flatMapFuncs[name]
	if !ok {
		return nil, fault.New(fault.UnknownFunction, "no flat_map function %q", name)
	}
	return fn, nil
}

func GetFilter(name string) (FilterFunc, error) {
	fn, ok := filterFuncs[name]
	if !ok {
		return nil, fault.New(fault.UnknownFunction, "no filter function %q", name)
	}
	return fn, nil
}

func GetReduce(name string) (ReduceFunc, error) {
	fn, ok := reduceFuncs[name]
	if !ok {
		return nil, fault.New(fault.UnknownFunction, "no reduce function %q", name)
	}
	return fn, nil
}

// tokenize splits a text line on whitespace, strips every rune that is
// not an ASCII letter, ASCII digit or underscore, drops empties, and emits one
// KeyValue(word, "1") per surviving token.
func tokenize(r record.Record) ([]record.Record, error) {
	if r.T != record.TypeText {
		return nil, fault.New(fault.TypeError, "tokenize expects text, got %q", r.T)
	}
	var out []record.Record
	for _, raw := range strings.Fields(r.S) {
		var b strings.Builder
		for _, c := range raw {
			if c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
				b.WriteRune(c)
			}
		}
		if b.Len() > 0 {
			out = append(out, record.KV(b.String(), "1"))
		}
	}
	return out, nil
}

func caseFunc(apply func(string) string) MapFunc {
	return func(r record.Record) (record.Record, error) {
		switch r.T {
		case record.TypeText:
			return record.Text(apply(r.S)), nil
		case record.TypeKV:
			return record.KV(apply(r.K), r.V), nil
		default:
			return record.Record{}, fault.New(fault.TypeError, "case function expects text or kv, got %q", r.T)
		}
	}
}

func nonEmpty(r record.Record) (bool, error) {
	switch r.T {
	case record.TypeText:
		return strings.TrimSpace(r.S) != "", nil
	case record.TypeKV:
		return r.K != "", nil
	default:
		return len(r.Xs) > 0, nil
	}
}

func numericReduce(combine func(a, b float64) float64) ReduceFunc {
	return func(a, b string) (string, error) {
		fa, err := cast.ToFloat64E(a)
		if err != nil {
			return "", fault.New(fault.TypeError, "non-numeric value %q", a)
		}
		fb, err := cast.ToFloat64E(b)
		if err != nil {
			return "", fault.New(fault.TypeError, "non-numeric value %q", b)
		}
		return strconv.FormatFloat(combine(fa, fb), 'f', -1, 64), nil
	}
}
