package jsonl

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestReaderSkipsBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\n\n  \n{\"a\":2}\n"), nil)
	var got []string
	for {
		line, err := r.Pop(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		got = append(got, string(line))
	}
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"a":2}` {
		t.Fatalf("unexpected lines: %v", got)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open("/nonexistent/events.jsonl"); err == nil {
		t.Fatalf("expected error")
	}
}
