package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dnn/internal/dataerr"
)

func writeLayout(t *testing.T, dir, name string, splits [][]string, samples string) {
	t.Helper()
	var all []string
	for i, s := range splits {
		all = append(all, s...)
		p := filepath.Join(dir, fmt.Sprintf("feats.%s.%d.scp", name, i+1))
		if err := os.WriteFile(p, []byte(strings.Join(s, "\n")+"\n"), 0o644); err != nil {
			t.Fatalf("write split: %v", err)
		}
	}
	mustWrite(t, filepath.Join(dir, "feats."+name+".scp"), strings.Join(all, "\n")+"\n")
	mustWrite(t, filepath.Join(dir, "num_split."+name), fmt.Sprintf("%d\n", len(splits)))
	mustWrite(t, filepath.Join(dir, "num_samples."+name), samples)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestOpenAndStage(t *testing.T) {
	data := t.TempDir()
	writeLayout(t, data, "train", [][]string{
		{"a /feats/a.ark:10", "b /feats/b.ark:20"},
		{"c /feats/c.ark:30"},
	}, "1234\n")

	m, err := Open(data, "train")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if m.NumUtts != 3 || m.NumSplits() != 2 || m.NumSamples != 1234 {
		t.Fatalf("unexpected manifest %+v", m)
	}

	exp := filepath.Join(t.TempDir(), "exp")
	staged, err := m.Stage(exp, t.TempDir())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exp, "train.scp")); err != nil {
		t.Fatalf("expected list copied to exp: %v", err)
	}
	if len(staged.Shards) != 2 || staged.Shards[1].Index != 1 {
		t.Fatalf("unexpected shards %+v", staged.Shards)
	}
	content, err := os.ReadFile(staged.Shards[1].Path)
	if err != nil || !strings.Contains(string(content), "c /feats/c.ark:30") {
		t.Fatalf("unexpected split copy %q err=%v", content, err)
	}

	dir := staged.Dir()
	if err := staged.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected temp dir removed, stat err=%v", err)
	}
	if err := staged.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenRejectsBadManifests(t *testing.T) {
	cases := map[string]func(dir string){
		"zero splits": func(dir string) {
			writeLayout(t, dir, "train", nil, "0")
		},
		"missing split file": func(dir string) {
			writeLayout(t, dir, "train", [][]string{{"a x"}}, "10")
			mustWrite(t, filepath.Join(dir, "num_split.train"), "2")
		},
		"bad sample count": func(dir string) {
			writeLayout(t, dir, "train", [][]string{{"a x"}}, "many")
		},
		"no list": func(dir string) {},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			setup(dir)
			_, err := Open(dir, "train")
			var cfgErr *dataerr.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestWriteHead(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "all.scp")
	mustWrite(t, src, "a 1\n\nb 2\nc 3\nd 4\n")
	dst := filepath.Join(dir, "head.scp")
	n, err := WriteHead(src, dst, 2)
	if err != nil {
		t.Fatalf("write head: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if n != 2 || string(got) != "a 1\nb 2\n" {
		t.Fatalf("unexpected head n=%d content=%q", n, got)
	}
	n, err = WriteHead(src, dst, 0)
	if err != nil || n != 4 {
		t.Fatalf("expected full copy of 4 lines, got %d err=%v", n, err)
	}
}
