package features

import (
	"context"
	"iter"
	"sync"

	"github.com/loqalabs/loqa-dnn/internal/manifest"
)

// Memory serves fixed utterances per shard index. It records every shard
// read and is safe for use from a prefetching goroutine.
type Memory struct {
	RawDim int

	mu     sync.Mutex
	shards map[int][]Utterance
	errs   map[int]error
	reads  []int
	probes []ProbeRequest
}

func NewMemory(rawDim int) *Memory {
	return &Memory{RawDim: rawDim, shards: make(map[int][]Utterance), errs: make(map[int]error)}
}

// SetShard replaces the utterances of shard index.
func (m *Memory) SetShard(index int, utts ...Utterance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards[index] = utts
}

// FailShard makes reads of shard index yield err after its utterances.
func (m *Memory) FailShard(index int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[index] = err
}

// Reads returns the shard indices read so far, in order.
func (m *Memory) Reads() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.reads...)
}

// Probes returns the probe requests seen so far.
func (m *Memory) Probes() []ProbeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProbeRequest(nil), m.probes...)
}

func (m *Memory) ReadShard(ctx context.Context, shard manifest.Shard, _ string) iter.Seq2[Utterance, error] {
	m.mu.Lock()
	m.reads = append(m.reads, shard.Index)
	utts := m.shards[shard.Index]
	failure := m.errs[shard.Index]
	m.mu.Unlock()

	return func(yield func(Utterance, error) bool) {
		for _, u := range utts {
			if err := ctx.Err(); err != nil {
				yield(Utterance{}, err)
				return
			}
			if !yield(u, nil) {
				return
			}
		}
		if failure != nil {
			yield(Utterance{}, failure)
		}
	}
}

func (m *Memory) Probe(_ context.Context, req ProbeRequest) (ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, req)
	n := 0
	for _, utts := range m.shards {
		n += len(utts)
	}
	if req.Limit > 0 && n > req.Limit {
		n = req.Limit
	}
	return ProbeResult{RawDim: m.RawDim, Utterances: n}, nil
}
