// Package manifest reads the pre-split corpus layout written by the data
// preparation scripts:
//
//	<data>/feats.<name>.scp       full utterance list
//	<data>/num_split.<name>       number of splits N
//	<data>/feats.<name>.<i>.scp   split i, 1-based
//	<data>/num_samples.<name>     total frame count
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-dnn/internal/dataerr"
)

// Shard is one split in consumption order.
type Shard struct {
	Index int
	Path  string
}

func (s Shard) String() string {
	return fmt.Sprintf("%d:%s", s.Index, filepath.Base(s.Path))
}

// Manifest describes one named corpus partition (train, dev, ...).
type Manifest struct {
	Name       string
	DataDir    string
	ListPath   string
	NumUtts    int
	NumSamples int64
	Splits     []string
}

// NumSplits returns the number of shards.
func (m *Manifest) NumSplits() int { return len(m.Splits) }

// Open reads and validates the manifest files for name under dataDir.
func Open(dataDir, name string) (*Manifest, error) {
	m := &Manifest{
		Name:     name,
		DataDir:  dataDir,
		ListPath: filepath.Join(dataDir, fmt.Sprintf("feats.%s.scp", name)),
	}
	n, err := countLines(m.ListPath)
	if err != nil {
		return nil, &dataerr.ConfigError{Field: "manifest.list", Reason: "cannot read " + m.ListPath, Err: err}
	}
	m.NumUtts = n

	splits, err := readCount(filepath.Join(dataDir, fmt.Sprintf("num_split.%s", name)))
	if err != nil {
		return nil, &dataerr.ConfigError{Field: "manifest.num_split", Reason: "unreadable split count", Err: err}
	}
	if splits < 1 {
		return nil, &dataerr.ConfigError{Field: "manifest.num_split", Reason: fmt.Sprintf("need at least one split, got %d", splits)}
	}
	for i := 1; i <= int(splits); i++ {
		p := filepath.Join(dataDir, fmt.Sprintf("feats.%s.%d.scp", name, i))
		if _, err := os.Stat(p); err != nil {
			return nil, &dataerr.ConfigError{Field: "manifest.split", Reason: fmt.Sprintf("split %d missing", i), Err: err}
		}
		m.Splits = append(m.Splits, p)
	}

	samples, err := readCount(filepath.Join(dataDir, fmt.Sprintf("num_samples.%s", name)))
	if err != nil {
		return nil, &dataerr.ConfigError{Field: "manifest.num_samples", Reason: "unreadable sample count", Err: err}
	}
	m.NumSamples = samples
	return m, nil
}

func readCount(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}

// Staged is a private copy of a manifest's splits, owned by one generator.
type Staged struct {
	// ListPath is the full list copied into the experiment dir.
	ListPath string
	Shards   []Shard
	tmpDir   string
}

// Stage copies the full list to <expDir>/<name>.scp and every split into a
// fresh temp directory under tmpRoot. Close removes the temp copies.
func (m *Manifest) Stage(expDir, tmpRoot string) (*Staged, error) {
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return nil, fmt.Errorf("create exp dir: %w", err)
	}
	if tmpRoot != "" {
		if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create tmp root: %w", err)
		}
	}
	tmpDir, err := os.MkdirTemp(tmpRoot, "loqa-splits-")
	if err != nil {
		return nil, fmt.Errorf("create split dir: %w", err)
	}
	s := &Staged{ListPath: filepath.Join(expDir, m.Name+".scp"), tmpDir: tmpDir}
	if err := copyFile(m.ListPath, s.ListPath); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("copy list: %w", err)
	}
	for i, src := range m.Splits {
		dst := filepath.Join(tmpDir, fmt.Sprintf("split.%s.%d.scp", m.Name, i))
		if err := copyFile(src, dst); err != nil {
			os.RemoveAll(tmpDir)
			return nil, fmt.Errorf("copy split %d: %w", i, err)
		}
		s.Shards = append(s.Shards, Shard{Index: i, Path: dst})
	}
	return s, nil
}

// Dir returns the private temp directory holding the split copies.
func (s *Staged) Dir() string { return s.tmpDir }

// Close removes the temporary split copies.
func (s *Staged) Close() error {
	if s == nil || s.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tmpDir)
	s.tmpDir = ""
	return err
}

// WriteHead copies the first n non-empty lines of src to dst (n <= 0 copies
// everything) and returns how many lines were written.
func WriteHead(src, dst string, n int) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	written := 0
	for scanner.Scan() && (n <= 0 || written < n) {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
		written++
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return 0, err
	}
	return written, out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
