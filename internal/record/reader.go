package record

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
)

const scanBufferSize = 1024 * 1024 // 1MB

// EmitFunc receives records one at a time; readers never buffer more
// than the record in flight.
type EmitFunc func(Record) error

// ReadTextFile streams path line by line, one Text record per line.
func ReadTextFile(path string, emit EmitFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fault.Wrap(fault.IoError, err, "opening %s", path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, scanBufferSize), scanBufferSize)

	for scanner.Scan() {
		if err := emit(Text(scanner.Text())); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fault.Wrap(fault.IoError, err, "reading %s", path)
	}
	return nil
}

// ReadCSVFile streams path as CSV. The first row names the fields;
// every following row becomes a Tuple of KeyValue(field, value) cells.
// A row whose width disagrees with the header is a ReaderError.
func ReadCSVFile(path string, emit EmitFunc) error {
	file, err := os.Open(path)
	if err != nil {
		return fault.Wrap(fault.IoError, err, "opening %s", path)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file, empty partition
		}
		return fault.Wrap(fault.ReaderError, err, "reading header of %s", path)
	}

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fault.Wrap(fault.ReaderError, err, "reading row of %s", path)
		}
		if len(row) != len(header) {
			return fault.New(fault.ReaderError, "%s: row has %d columns, header has %d", path, len(row), len(header))
		}
		cells := make([]Record, len(header))
		for i, h := range header {
			cells[i] = KV(h, row[i])
		}
		if err := emit(Tuple(cells...)); err != nil {
			return err
		}
	}
}
