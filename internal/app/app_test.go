package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/features"
	"github.com/loqalabs/loqa-dnn/internal/kaldiio"
	"github.com/loqalabs/loqa-dnn/internal/natsserver"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
	"github.com/loqalabs/loqa-dnn/internal/runlog"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// testConfig lays out train and cv partitions of one split each over the
// utterances a..d and returns a config pointing at them.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	if err := os.MkdirAll(data, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	list := "a /ark/a\nb /ark/b\nc /ark/c\nd /ark/d\n"
	for _, set := range []string{"train", "cv"} {
		writeFile(t, filepath.Join(data, "feats."+set+".scp"), list)
		writeFile(t, filepath.Join(data, "feats."+set+".1.scp"), list)
		writeFile(t, filepath.Join(data, "num_split."+set), "1\n")
		writeFile(t, filepath.Join(data, "num_samples."+set), "16\n")
	}
	labelsPath := filepath.Join(root, "labels.txt")
	writeFile(t, labelsPath, "a 1\nb 2\nc 3\nd 4\n")

	cfg := config.Default()
	cfg.Data.Dir = data
	cfg.Data.ExpDir = filepath.Join(root, "exp")
	cfg.Data.TmpDir = t.TempDir()
	cfg.Features.ContextWidth = 1
	cfg.Batch.BatchSize = 2
	cfg.Batch.MaxLength = 8
	cfg.Labels.Path = labelsPath
	cfg.Trainer.MaxEpochs = 2
	cfg.Trainer.EvalEvery = 1
	cfg.Trainer.CheckpointDir = filepath.Join(root, "ckpt")
	cfg.RunLog.Path = filepath.Join(root, "runs.db")
	return cfg
}

func memoryReader() *features.Memory {
	r := features.NewMemory(2)
	var utts []features.Utterance
	for i, id := range []string{"a", "b", "c", "d"} {
		m := kaldiio.NewMatrix(4, 6)
		for j := range m.Data {
			m.Data[j] = float32(i + 1)
		}
		utts = append(utts, features.Utterance{ID: id, Feats: m})
	}
	r.SetShard(0, utts...)
	return r
}

func TestTrainRecordsRun(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	sum, err := Train(ctx, cfg, Deps{Reader: memoryReader()}, newLogger())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if sum.Epochs != 2 || sum.BestDevLoss >= sum.InitialDevLoss {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := os.Stat(sum.Checkpoint); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}

	store, err := runlog.Open(ctx, cfg.RunLog, newLogger())
	if err != nil {
		t.Fatalf("reopen run log: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != runlog.StatusSucceeded {
		t.Fatalf("unexpected runs %+v", runs)
	}
	epochs, err := store.ListReports(ctx, runs[0].ID, runlog.KindEpoch, 0)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(epochs) != 2 {
		t.Fatalf("expected 2 epoch reports, got %d", len(epochs))
	}
}

func TestTrainRecordsFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Labels.Path = filepath.Join(t.TempDir(), "missing.txt")
	ctx := context.Background()

	if _, err := Train(ctx, cfg, Deps{Reader: memoryReader()}, newLogger()); err == nil {
		t.Fatal("expected missing labels to fail the run")
	}
	store, err := runlog.Open(ctx, cfg.RunLog, newLogger())
	if err != nil {
		t.Fatalf("reopen run log: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != runlog.StatusFailed || !strings.Contains(runs[0].Error, "labels") {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestTrainPublishesProgress(t *testing.T) {
	cfg := testConfig(t)
	cfg.RunLog.RetentionMode = "ephemeral"

	srv, err := natsserver.Start(natsserver.Options{Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = []string{srv.ClientURL()}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	ch := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(protocol.Subject(cfg.Bus.SubjectPrefix, protocol.SubjectEpochSuffix), ch)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sum, err := Train(context.Background(), cfg, Deps{Reader: memoryReader()}, newLogger())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	for epoch := 1; epoch <= sum.Epochs; epoch++ {
		select {
		case msg := <-ch:
			var r protocol.EpochReport
			if err := json.Unmarshal(msg.Data, &r); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if r.Epoch != epoch || r.RunID == "" {
				t.Fatalf("unexpected epoch report %+v", r)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("epoch %d report not published", epoch)
		}
	}
}

func TestProbe(t *testing.T) {
	cfg := testConfig(t)
	reader := memoryReader()
	rep, err := Probe(context.Background(), cfg, "train", "", Deps{Reader: reader}, newLogger())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if rep.Utterances != 4 || rep.Splits != 1 || rep.Samples != 16 {
		t.Fatalf("unexpected manifest counts %+v", rep)
	}
	if rep.RawDim != 2 || rep.FeatureDim != 6 || rep.NumBatches != 8 {
		t.Fatalf("unexpected dims %+v", rep)
	}
	if probes := reader.Probes(); len(probes) != 1 || probes[0].Limit != cfg.Features.ProbeLimit {
		t.Fatalf("unexpected probe requests %+v", probes)
	}
}

func TestOpenLabelsUsesCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Labels.CacheDir = t.TempDir()
	ctx := context.Background()

	store, closeStore, err := OpenLabels(ctx, cfg, "train", newLogger())
	if err != nil {
		t.Fatalf("open labels: %v", err)
	}
	if l, ok, err := store.Lookup("c"); err != nil || !ok || l.Class != 3 {
		t.Fatalf("unexpected label %+v %v %v", l, ok, err)
	}
	if err := closeStore(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Labels.CacheDir, "train")); err != nil {
		t.Fatalf("expected per-set cache dir: %v", err)
	}
}
