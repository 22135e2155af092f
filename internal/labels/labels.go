// Package labels provides the read-only utterance id → class lookup the data
// generator filters feature streams against.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Kind tells whether a store holds one class per utterance or one per frame.
type Kind string

const (
	KindUtterance Kind = "utterance"
	KindFrame     Kind = "frame"
)

// ParseKind validates a configured kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindUtterance, KindFrame:
		return Kind(s), nil
	case "":
		return KindUtterance, nil
	}
	return "", fmt.Errorf("unknown label kind %q", s)
}

// Label is the target for one utterance. Class is set for utterance labels,
// Frames for per-frame alignments.
type Label struct {
	Class  int32   `msgpack:"c"`
	Frames []int32 `msgpack:"f,omitempty"`
}

// Store looks labels up by utterance id. A missing id is reported with
// ok=false and a nil error; a non-nil error means the store itself failed.
type Store interface {
	Lookup(id string) (Label, bool, error)
	Len() int
	Kind() Kind
}

// Memory is a map-backed Store.
type Memory struct {
	kind   Kind
	labels map[string]Label
}

// NewMemory returns an empty store of the given kind.
func NewMemory(kind Kind) *Memory {
	return &Memory{kind: kind, labels: make(map[string]Label)}
}

func (m *Memory) Lookup(id string) (Label, bool, error) {
	l, ok := m.labels[id]
	return l, ok, nil
}

func (m *Memory) Len() int   { return len(m.labels) }
func (m *Memory) Kind() Kind { return m.kind }

// Set adds or replaces a label.
func (m *Memory) Set(id string, l Label) {
	m.labels[id] = l
}

// Load parses "uttid c" lines (utterance kind) or "uttid c1 c2 ..." lines
// (frame kind), the text layout written by ali-to-pdf. Blank lines are skipped.
func Load(r io.Reader, kind Kind) (*Memory, error) {
	m := NewMemory(kind)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		id, values := fields[0], fields[1:]
		if len(values) == 0 {
			return nil, fmt.Errorf("labels line %d: %q has no class", lineNo, id)
		}
		if kind == KindUtterance && len(values) != 1 {
			return nil, fmt.Errorf("labels line %d: %q has %d classes, utterance labels take one", lineNo, id, len(values))
		}
		parsed := make([]int32, len(values))
		for i, v := range values {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("labels line %d: bad class %q for %q", lineNo, v, id)
			}
			parsed[i] = int32(n)
		}
		if kind == KindUtterance {
			m.labels[id] = Label{Class: parsed[0]}
		} else {
			m.labels[id] = Label{Frames: parsed}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return m, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string, kind Kind) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()
	return Load(f, kind)
}
