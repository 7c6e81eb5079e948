package record

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Shuffle buckets and spill files share one on-disk format: a sequence
// of records, each framed as a u32 little-endian length followed by the
// JSON payload. End of file terminates the sequence.

const maxFrameSize = 64 << 20 // one record larger than this is corruption, not data

// FrameWriter appends framed records to w.
type FrameWriter struct {
	w   *bufio.Writer
	buf [4]byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

func (fw *FrameWriter) Write(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(fw.buf[:], uint32(len(payload)))
	if _, err := fw.w.Write(fw.buf[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(payload)
	return err
}

func (fw *FrameWriter) Flush() error {
	return fw.w.Flush()
}

// FrameReader reads framed records from r until io.EOF.
type FrameReader struct {
	r   *bufio.Reader
	buf [4]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream.
// A partial frame is reported as io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() (Record, error) {
	if _, err := io.ReadFull(fr.r, fr.buf[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(fr.buf[:])
	if n > maxFrameSize {
		return Record{}, fmt.Errorf("frame length %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding frame payload: %w", err)
	}
	return rec, nil
}
