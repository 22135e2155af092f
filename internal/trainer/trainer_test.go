package trainer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-dnn/internal/batch"
	"github.com/loqalabs/loqa-dnn/internal/kaldiio"
	"github.com/loqalabs/loqa-dnn/internal/labels"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sliceSource replays fixed batches and counts passes.
type sliceSource struct {
	name    string
	batches []*batch.Batch
	pos     int
	resets  int
	onReset func()
}

func (s *sliceSource) Next(context.Context) (*batch.Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceSource) Reset() {
	s.pos = 0
	s.resets++
	if s.onReset != nil {
		s.onReset()
	}
}

func (s *sliceSource) BatchSize() int { return 2 }
func (s *sliceSource) Units() string  { return "utts" }
func (s *sliceSource) Name() string   { return s.name }

func makeBatch(t *testing.T, value float32, frames ...int) *batch.Batch {
	t.Helper()
	var ex []batch.Example
	for i, n := range frames {
		m := kaldiio.NewMatrix(n, 2)
		for j := range m.Data {
			m.Data[j] = value
		}
		ex = append(ex, batch.Example{ID: string(rune('a' + i)), Feats: m})
	}
	b, err := batch.Pack(ex, 4, 2, labels.KindUtterance)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return b
}

func source(t *testing.T, name string, n int) *sliceSource {
	s := &sliceSource{name: name}
	for i := 0; i < n; i++ {
		s.batches = append(s.batches, makeBatch(t, 2, 3, 4))
	}
	return s
}

// scripted returns a fixed loss per pass, advancing on every dev reset.
type scripted struct {
	devLosses []float64
	devPass   int
	steps     int
	rates     []float64
	saves     []string
	restores  []string
}

func (m *scripted) Step(_ context.Context, _ *batch.Batch, lr float64) (float64, error) {
	m.steps++
	if len(m.rates) == 0 || m.rates[len(m.rates)-1] != lr {
		m.rates = append(m.rates, lr)
	}
	return 1, nil
}

func (m *scripted) Loss(context.Context, *batch.Batch) (float64, error) {
	return m.devLosses[m.devPass], nil
}

func (m *scripted) Correct(_ context.Context, b *batch.Batch) (float64, error) {
	return float64(b.Valid), nil
}

func (m *scripted) Save(_ context.Context, path string) error {
	m.saves = append(m.saves, filepath.Base(path))
	return nil
}

func (m *scripted) Restore(_ context.Context, path string) error {
	m.restores = append(m.restores, filepath.Base(path))
	return nil
}

type recorder struct {
	steps  []protocol.StepReport
	epochs []protocol.EpochReport
}

func (r *recorder) ReportStep(_ context.Context, s protocol.StepReport) error {
	r.steps = append(r.steps, s)
	return nil
}

func (r *recorder) ReportEpoch(_ context.Context, e protocol.EpochReport) error {
	r.epochs = append(r.epochs, e)
	return nil
}

func TestTrainPass(t *testing.T) {
	rec := &recorder{}
	m := NewMock(1)
	tr := New(m, Options{EvalEvery: 2, RunID: "r1"}, rec, newLogger())
	src := source(t, "train", 5)

	res, err := tr.Train(context.Background(), src, 0.1, 1)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Steps != 5 || res.Rows != 10 || res.Units != "utts" {
		t.Fatalf("unexpected result %+v", res)
	}
	if src.resets != 1 {
		t.Fatalf("expected source reset after the pass, got %d", src.resets)
	}
	// peeks at step 1, 2 and 4
	if len(rec.steps) != 3 || rec.steps[0].Step != 1 || rec.steps[2].Step != 4 {
		t.Fatalf("unexpected step reports %+v", rec.steps)
	}
	if rec.steps[0].RunID != "r1" || rec.steps[0].Phase != protocol.PhaseTrain {
		t.Fatalf("unexpected report fields %+v", rec.steps[0])
	}

	before, _ := m.Loss(context.Background(), src.batches[0])
	if before >= 4 {
		t.Fatalf("expected loss to fall below the untrained value 4, got %v", before)
	}
}

func TestPassWithoutBatches(t *testing.T) {
	tr := New(NewMock(1), Options{}, nil, newLogger())
	src := &sliceSource{name: "cv"}
	_, err := tr.Test(context.Background(), src, 0)
	if !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	if src.resets != 0 {
		t.Fatal("source must not be reset after an empty pass")
	}
}

func TestPassPropagatesSourceError(t *testing.T) {
	tr := New(NewMock(1), Options{}, nil, newLogger())
	boom := errors.New("pipeline failed")
	_, err := tr.Train(context.Background(), errSource{err: boom}, 0.1, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

type errSource struct{ err error }

func (s errSource) Next(context.Context) (*batch.Batch, error) { return nil, s.err }
func (errSource) Reset()                                      {}
func (errSource) BatchSize() int                              { return 1 }
func (errSource) Units() string                               { return "utts" }
func (errSource) Name() string                                { return "train" }

func TestRunHalvesOnRejectedEpoch(t *testing.T) {
	m := &scripted{devLosses: []float64{2.0, 1.5, 1.6, 1.4, 1.45, 1.44}}
	dev := source(t, "cv", 2)
	dev.onReset = func() { m.devPass++ }
	rec := &recorder{}
	tr := New(m, Options{
		LearningRate:    0.008,
		MinLearningRate: 0.0015,
		HalvingFactor:   0.5,
		MaxEpochs:       10,
		EvalEvery:       1000,
		CheckpointDir:   t.TempDir(),
	}, rec, newLogger())

	sum, err := tr.Run(context.Background(), source(t, "train", 3), dev)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// epochs: 1 accept, 2 reject (lr 0.004), 3 accept, 4 reject (0.002), 5 reject (0.001 < min)
	if sum.Epochs != 5 || sum.Accepted != 2 || sum.BestDevLoss != 1.4 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.FinalRate != 0.001 {
		t.Fatalf("unexpected final rate %v", sum.FinalRate)
	}
	wantRates := []float64{0.008, 0.004, 0.002}
	if len(m.rates) != len(wantRates) {
		t.Fatalf("rates = %v, want %v", m.rates, wantRates)
	}
	for i, r := range wantRates {
		if m.rates[i] != r {
			t.Fatalf("rates = %v, want %v", m.rates, wantRates)
		}
	}
	if len(m.saves) != 3 || m.saves[2] != "epoch003.ckpt" {
		t.Fatalf("unexpected saves %v", m.saves)
	}
	if len(m.restores) != 3 || m.restores[0] != "epoch001.ckpt" || m.restores[2] != "epoch003.ckpt" {
		t.Fatalf("unexpected restores %v", m.restores)
	}
	if len(rec.epochs) != 5 || !rec.epochs[0].Accepted || rec.epochs[1].Accepted {
		t.Fatalf("unexpected epoch reports %+v", rec.epochs)
	}
}

func TestRunStopsAtMaxEpochs(t *testing.T) {
	m := NewMock(2)
	tr := New(m, Options{
		LearningRate:    0.01,
		MinLearningRate: 0.0001,
		HalvingFactor:   0.5,
		MaxEpochs:       3,
		EvalEvery:       1,
		CheckpointDir:   t.TempDir(),
	}, nil, newLogger())
	sum, err := tr.Run(context.Background(), source(t, "train", 4), source(t, "cv", 2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Epochs != 3 || sum.Accepted != 3 || sum.BestDevLoss >= sum.InitialDevLoss {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestMockCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMock(1)
	b := makeBatch(t, 1, 4, 4)
	m.Step(ctx, b, 0.5)
	path := filepath.Join(t.TempDir(), "m.ckpt")
	if err := m.Save(ctx, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := m.Loss(ctx, b)
	m.Step(ctx, b, 0.5)
	if err := m.Restore(ctx, path); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, _ := m.Loss(ctx, b); got != saved {
		t.Fatalf("restored loss %v, want %v", got, saved)
	}
}

func TestMockIgnoresPadding(t *testing.T) {
	m := NewMock(2)
	w := batch.NewWindow(4, 2, 1)
	w.Append(makeBatch(t, 3, 2))
	padded := w.Drain(2)
	loss, err := m.Loss(context.Background(), padded)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	if loss != 9 {
		t.Fatalf("expected padding rows and frames ignored, got %v", loss)
	}
}
