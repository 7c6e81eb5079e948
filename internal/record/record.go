package record

import (
	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

// Type discriminates the Record variants.
type Type string

const (
	TypeText  Type = "text"
	TypeKV    Type = "kv"
	TypeTuple Type = "tup"
)

// Record is the single datum flowing between operators: a tagged
// variant of Text, KeyValue or Tuple. The scheduler treats it as
// opaque; operators match on T and raise TypeError on a mismatch.
// The JSON form doubles as the wire and on-disk payload format.
type Record struct {
	T  Type     `json:"t"`
	S  string   `json:"s,omitempty"`
	K  string   `json:"k,omitempty"`
	V  string   `json:"v,omitempty"`
	Xs []Record `json:"xs,omitempty"`
}

func Text(s string) Record {
	return Record{T: TypeText, S: s}
}

func KV(k, v string) Record {
	return Record{T: TypeKV, K: k, V: v}
}

func Tuple(xs ...Record) Record {
	return Record{T: TypeTuple, Xs: xs}
}

// Field resolves the named field of a record:
//   - KeyValue: its key, whatever name was asked for
//   - Tuple: the value of the cell whose key equals name
//
// Text records have no fields.
func (r Record) Field(name string) (string, error) {
	switch r.T {
	case TypeKV:
		return r.K, nil
	case TypeTuple:
		for _, cell := range r.Xs {
			if cell.T == TypeKV && cell.K == name {
				return cell.V, nil
			}
		}
		return "", fault.New(fault.MissingKey, "no field %q in tuple", name)
	default:
		return "", fault.New(fault.MissingKey, "record of type %q has no field %q", r.T, name)
	}
}

// Value resolves the aggregation value of a record: the value side of a
// KeyValue, or the named cell of a Tuple.
func (r Record) Value(name string) (string, error) {
	switch r.T {
	case TypeKV:
		return r.V, nil
	case TypeTuple:
		for _, cell := range r.Xs {
			if cell.T == TypeKV && cell.K == name {
				return cell.V, nil
			}
		}
		return "", fault.New(fault.MissingKey, "no value field %q in tuple", name)
	default:
		return "", fault.New(fault.TypeError, "record of type %q carries no value", r.T)
	}
}
