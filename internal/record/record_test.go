package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

func TestRecordJSONForms(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"text", Text("hello world"), `{"t":"text","s":"hello world"}`},
		{"kv", KV("token", "1"), `{"t":"kv","k":"token","v":"1"}`},
		{"tuple", Tuple(KV("a", "1"), KV("b", "2")), `{"t":"tup","xs":[{"t":"kv","k":"a","v":"1"},{"t":"kv","k":"b","v":"2"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.rec)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))

			var back Record
			require.NoError(t, json.Unmarshal(data, &back))
			require.Equal(t, tt.rec, back)
		})
	}
}

func TestFieldAndValue(t *testing.T) {
	row := Tuple(KV("product_id", "p1"), KV("qty", "3"))

	key, err := row.Field("product_id")
	require.NoError(t, err)
	require.Equal(t, "p1", key)

	val, err := row.Value("qty")
	require.NoError(t, err)
	require.Equal(t, "3", val)

	_, err = row.Field("missing")
	require.Equal(t, fault.MissingKey, fault.KindOf(err))

	kv := KV("hello", "2")
	key, err = kv.Field("anything")
	require.NoError(t, err)
	require.Equal(t, "hello", key)

	val, err = kv.Value("")
	require.NoError(t, err)
	require.Equal(t, "2", val)

	_, err = Text("line").Field("token")
	require.Equal(t, fault.MissingKey, fault.KindOf(err))
}

func TestFrameRoundTrip(t *testing.T) {
	recs := []Record{
		Text("a line"),
		KV("word", "12"),
		Tuple(KV("id", "1"), Text("x")),
	}

	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Flush())

	r := NewFrameReader(&buf)
	for _, want := range recs {
		got, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestFrameReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.Write(KV("k", "v")))
	require.NoError(t, w.Flush())

	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := NewFrameReader(bytes.NewReader(truncated)).Next()
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestPartitionForIsStable(t *testing.T) {
	p := PartitionFor("hello", 4)
	for i := 0; i < 100; i++ {
		require.Equal(t, p, PartitionFor("hello", 4))
	}
	require.GreaterOrEqual(t, p, 0)
	require.Less(t, p, 4)
	require.Equal(t, 0, PartitionFor("anything", 1))
	require.Equal(t, 0, PartitionFor("anything", 0))
}

func TestReadTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world\nsecond line\n"), 0o644))

	var got []Record
	err := ReadTextFile(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []Record{Text("hello world"), Text("second line")}, got)
}

func TestReadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("product_id,qty\np1,3\np2,5\n"), 0o644))

	var got []Record
	err := ReadCSVFile(path, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, Tuple(KV("product_id", "p1"), KV("qty", "3")), got[0])
}

func TestReadCSVFileRaggedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1\n"), 0o644))

	err := ReadCSVFile(path, func(Record) error { return nil })
	require.Error(t, err)
	require.Equal(t, fault.ReaderError, fault.KindOf(err))
}

func TestJSONLWriterAtomicity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "part.jsonl")

	w, err := NewJSONLWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(KV("hello", "2")))

	// Nothing visible before commit.
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, w.Commit())

	var got []Record
	require.NoError(t, ReadJSONLFile(path, func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Equal(t, []Record{KV("hello", "2")}, got)

	// Aborted writers leave nothing behind.
	w2, err := NewJSONLWriter(filepath.Join(dir, "out", "gone.jsonl"))
	require.NoError(t, err)
	require.NoError(t, w2.Write(Text("x")))
	w2.Abort()
	_, err = os.Stat(filepath.Join(dir, "out", "gone.jsonl"))
	require.True(t, os.IsNotExist(err))
}
