package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLabelsImportRequiresCacheDir(t *testing.T) {
	t.Setenv("LOQA_LABELS_CACHE_DIR", "")
	cfg := filepath.Join(t.TempDir(), "loqa-dnn.yaml")
	if err := os.WriteFile(cfg, []byte("labels:\n  path: labels.txt\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := execute(t, "--config", cfg, "labels", "import")
	if err == nil || !strings.Contains(err.Error(), "cache_dir") {
		t.Fatalf("expected cache_dir error, got %v", err)
	}
}

func TestLabelsImport(t *testing.T) {
	dir := t.TempDir()
	labelsPath := filepath.Join(dir, "labels.txt")
	if err := os.WriteFile(labelsPath, []byte("a 1\nb 2\n"), 0o644); err != nil {
		t.Fatalf("write labels: %v", err)
	}
	cfg := filepath.Join(dir, "loqa-dnn.yaml")
	content := "telemetry:\n  log_level: error\nlabels:\n  path: " + labelsPath + "\n  cache_dir: " + filepath.Join(dir, "cache") + "\n"
	if err := os.WriteFile(cfg, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out, err := execute(t, "--config", cfg, "labels", "import", "train")
	if err != nil {
		t.Fatalf("labels import: %v", err)
	}
	if !strings.Contains(out, "train: 2 utterance labels") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	printReport(&out, "train.progress.epoch", []byte(`{"run_id":"r1","epoch":3,"learning_rate":0.004,"dev_loss":1.5,"accepted":false}`))
	if got := out.String(); !strings.Contains(got, "r1 epoch 3 rejected lr=0.004") {
		t.Fatalf("unexpected epoch line %q", got)
	}
	out.Reset()
	printReport(&out, "train.progress.other", []byte("raw"))
	if got := out.String(); got != "train.progress.other raw\n" {
		t.Fatalf("unexpected fallback line %q", got)
	}
}
