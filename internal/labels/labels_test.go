package labels

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadUtteranceLabels(t *testing.T) {
	src := "utt1 3\n\nutt2 0\nutt3 17\n"
	m, err := Load(strings.NewReader(src), KindUtterance)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 labels, got %d", m.Len())
	}
	l, ok, err := m.Lookup("utt3")
	if err != nil || !ok || l.Class != 17 {
		t.Fatalf("unexpected utt3 label %+v ok=%v err=%v", l, ok, err)
	}
	if _, ok, err := m.Lookup("missing"); ok || err != nil {
		t.Fatalf("expected lookup miss, ok=%v err=%v", ok, err)
	}
}

func TestLoadFrameLabels(t *testing.T) {
	m, err := Load(strings.NewReader("a 1 1 2 2 3\nb 4\n"), KindFrame)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	l, _, _ := m.Lookup("a")
	if len(l.Frames) != 5 || l.Frames[4] != 3 {
		t.Fatalf("unexpected frames %v", l.Frames)
	}
	if m.Kind() != KindFrame {
		t.Fatalf("unexpected kind %s", m.Kind())
	}
}

func TestLoadRejectsBadLines(t *testing.T) {
	cases := []struct {
		name string
		src  string
		kind Kind
	}{
		{"no class", "utt1\n", KindUtterance},
		{"two classes for utterance", "utt1 1 2\n", KindUtterance},
		{"not a number", "utt1 x\n", KindFrame},
		{"negative", "utt1 -1\n", KindUtterance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(tc.src), tc.kind); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(""); err != nil || k != KindUtterance {
		t.Fatalf("expected default utterance kind, got %s %v", k, err)
	}
	if _, err := ParseKind("phone"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestBadgerImportAndLookup(t *testing.T) {
	b, err := OpenBadger(BadgerOptions{InMemory: true, Logger: newLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	mem := NewMemory(KindFrame)
	mem.Set("u1", Label{Frames: []int32{1, 2, 3}})
	mem.Set("u2", Label{Frames: []int32{9}})
	if err := b.Import(context.Background(), mem, "fp-1"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if b.Len() != 2 || b.Kind() != KindFrame || b.Fingerprint() != "fp-1" {
		t.Fatalf("unexpected meta len=%d kind=%s fp=%s", b.Len(), b.Kind(), b.Fingerprint())
	}
	l, ok, err := b.Lookup("u1")
	if err != nil || !ok || len(l.Frames) != 3 || l.Frames[2] != 3 {
		t.Fatalf("unexpected lookup %+v ok=%v err=%v", l, ok, err)
	}
	if _, ok, err := b.Lookup("u3"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}

	replacement := NewMemory(KindFrame)
	replacement.Set("u3", Label{Frames: []int32{4}})
	if err := b.Import(context.Background(), replacement, "fp-2"); err != nil {
		t.Fatalf("reimport: %v", err)
	}
	if _, ok, _ := b.Lookup("u1"); ok {
		t.Fatal("expected old labels dropped on reimport")
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 label, got %d", b.Len())
	}
}

func TestBadgerLookupSurfacesCorruptValue(t *testing.T) {
	b, err := OpenBadger(BadgerOptions{InMemory: true, Logger: newLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(labelKey("bad"), []byte{0xc1})
	})
	if err != nil {
		t.Fatalf("write corrupt value: %v", err)
	}
	if _, ok, err := b.Lookup("bad"); err == nil || ok {
		t.Fatalf("expected decode error, ok=%v err=%v", ok, err)
	}
	if _, ok, err := b.Lookup("absent"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}

func TestOpenCachedReusesImport(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "ali.txt")
	if err := os.WriteFile(src, []byte("u1 5\nu2 6\n"), 0o644); err != nil {
		t.Fatalf("write labels: %v", err)
	}
	dir := filepath.Join(tmp, "cache")

	b, err := OpenCached(context.Background(), dir, src, KindUtterance, newLogger())
	if err != nil {
		t.Fatalf("open cached: %v", err)
	}
	fp := b.Fingerprint()
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = OpenBadger(BadgerOptions{Dir: dir, Logger: newLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if b.Fingerprint() != fp {
		t.Fatalf("fingerprint not persisted: %q vs %q", b.Fingerprint(), fp)
	}
	l, ok, err := b.Lookup("u2")
	if err != nil || !ok || l.Class != 6 {
		t.Fatalf("unexpected cached label %+v ok=%v err=%v", l, ok, err)
	}
}
