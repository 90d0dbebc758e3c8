package fhir

import (
	"bufio"
	"encoding/json"
	"io"
)

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format.
// Each resource is serialised as a single JSON line followed by a newline
// character, which is the format required by the FHIR Bulk Data Access
// specification.
type NDJSONWriter struct {
	w *bufio.Writer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line followed by a
// newline character. The resource can be any value that is marshallable
// by encoding/json (typically a map[string]interface{} or a struct).
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	return nil
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// maxNDJSONLine bounds a single resource line; FHIR documents with
// inlined attachments can be large.
const maxNDJSONLine = 16 << 20

// NDJSONReader reads one resource per line from an NDJSON stream, as
// produced by bulk export output files.
type NDJSONReader struct {
	s *bufio.Scanner
}

// NewNDJSONReader creates an NDJSONReader over r.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), maxNDJSONLine)
	return &NDJSONReader{s: s}
}

// Next returns the next line's bytes (a copy, safe to retain), or
// (nil, io.EOF) at end of stream. Blank lines are returned as empty
// slices so callers can keep an accurate line count.
func (n *NDJSONReader) Next() ([]byte, error) {
	if !n.s.Scan() {
		if err := n.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := n.s.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}
