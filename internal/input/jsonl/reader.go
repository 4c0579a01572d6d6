// Package jsonl reads newline-delimited events from a file or stdin.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// Reader yields one non-empty line per Pop and io.EOF at the end.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

// Open opens path; "-" reads stdin.
func Open(path string) (*Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is required")
	}
	if path == "-" {
		return NewReader(os.Stdin, nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return NewReader(f, f), nil
}

// NewReader wraps r. closer may be nil.
func NewReader(r io.Reader, closer io.Closer) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{scanner: sc, closer: closer}
}

// Pop returns the next line.
func (r *Reader) Pop(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
