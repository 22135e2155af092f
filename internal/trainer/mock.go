package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/loqalabs/loqa-dnn/internal/batch"
	"github.com/vmihailenco/msgpack/v5"
)

// Mock stands in for a network. Its loss is the masked mean square of the
// batch features shrunk by the training applied so far, and its accuracy
// grows with the same quantity, so runs are deterministic for fixed data.
// Each replica slice of a batch is scored separately, as towers would.
type Mock struct {
	Towers int

	mu       sync.Mutex
	progress float64
}

type mockState struct {
	Progress float64 `msgpack:"progress"`
}

func NewMock(towers int) *Mock {
	if towers <= 0 {
		towers = 1
	}
	return &Mock{Towers: towers}
}

func (m *Mock) Step(ctx context.Context, b *batch.Batch, lr float64) (float64, error) {
	loss, err := m.Loss(ctx, b)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.progress += lr * float64(b.Valid)
	m.mu.Unlock()
	return loss, nil
}

func (m *Mock) Loss(_ context.Context, b *batch.Batch) (float64, error) {
	if b.Size%m.Towers != 0 {
		return 0, fmt.Errorf("batch of %d rows does not split across %d towers", b.Size, m.Towers)
	}
	var sum float64
	var towers int
	for i := 0; i < m.Towers; i++ {
		tb := b.Tower(i, m.Towers)
		if tb.Valid == 0 {
			continue
		}
		sum += meanSquare(tb)
		towers++
	}
	if towers == 0 {
		return 0, nil
	}
	m.mu.Lock()
	p := m.progress
	m.mu.Unlock()
	return sum / float64(towers) / (1 + p), nil
}

func (m *Mock) Correct(_ context.Context, b *batch.Batch) (float64, error) {
	m.mu.Lock()
	p := m.progress
	m.mu.Unlock()
	return math.Floor(float64(b.Valid) * p / (1 + p)), nil
}

func (m *Mock) Save(_ context.Context, path string) error {
	m.mu.Lock()
	state := mockState{Progress: m.progress}
	m.mu.Unlock()
	data, err := msgpack.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Mock) Restore(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var state mockState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	m.mu.Lock()
	m.progress = state.Progress
	m.mu.Unlock()
	return nil
}

// meanSquare averages the squared features over real frames only.
func meanSquare(b *batch.Batch) float64 {
	var sum float64
	var n int
	for r := 0; r < b.Valid; r++ {
		row := b.Row(r)
		frames := b.Frames[r]
		for _, v := range row[:frames*b.FeatDim] {
			sum += float64(v) * float64(v)
		}
		n += frames * b.FeatDim
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
