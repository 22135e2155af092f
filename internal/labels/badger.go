package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	labelPrefix = []byte("label/")
	metaKey     = []byte("meta/source")
)

type cacheMeta struct {
	Fingerprint string `msgpack:"fp"`
	Kind        Kind   `msgpack:"kind"`
	Count       int    `msgpack:"n"`
}

// Badger is a Store persisted in a BadgerDB directory so large alignment
// files are parsed once and reused by later runs.
type Badger struct {
	db   *badger.DB
	meta cacheMeta
}

// BadgerOptions configures the label cache.
type BadgerOptions struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir string
	// InMemory keeps everything in memory; used by tests.
	InMemory bool
	Logger   *slog.Logger
}

// OpenBadger opens (or creates) a label cache.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("labels: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: logger.With(slog.String("component", "label-cache"))})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open label cache: %w", err)
	}
	b := &Badger{db: db}
	if err := b.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Badger) loadMeta() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &b.meta)
		})
	})
}

// Fingerprint returns the source fingerprint recorded by the last Import.
func (b *Badger) Fingerprint() string { return b.meta.Fingerprint }

// Import replaces the cache content with src and records fingerprint.
func (b *Badger) Import(ctx context.Context, src *Memory, fingerprint string) error {
	if err := b.db.DropPrefix(labelPrefix); err != nil {
		return fmt.Errorf("clear label cache: %w", err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for id, l := range src.labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := msgpack.Marshal(&l)
		if err != nil {
			return fmt.Errorf("encode label %q: %w", id, err)
		}
		if err := wb.Set(labelKey(id), val); err != nil {
			return fmt.Errorf("write label %q: %w", id, err)
		}
	}
	meta := cacheMeta{Fingerprint: fingerprint, Kind: src.kind, Count: src.Len()}
	val, err := msgpack.Marshal(&meta)
	if err != nil {
		return err
	}
	if err := wb.Set(metaKey, val); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush label cache: %w", err)
	}
	b.meta = meta
	return nil
}

func (b *Badger) Lookup(id string) (Label, bool, error) {
	var l Label
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(labelKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &l)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Label{}, false, nil
	}
	if err != nil {
		return Label{}, false, fmt.Errorf("lookup label %q: %w", id, err)
	}
	return l, true, nil
}

func (b *Badger) Len() int   { return b.meta.Count }
func (b *Badger) Kind() Kind { return b.meta.Kind }

// Close releases the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func labelKey(id string) []byte {
	return append(append([]byte(nil), labelPrefix...), id...)
}

// FileFingerprint identifies a label source file by path, size and mtime.
func FileFingerprint(path string, kind Kind) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%d|%d|%s", path, info.Size(), info.ModTime().UnixNano(), kind), nil
}

// OpenCached returns a badger-backed store for path, importing the text file
// only when the cache was built from a different version of it.
func OpenCached(ctx context.Context, dir, path string, kind Kind, log *slog.Logger) (*Badger, error) {
	fp, err := FileFingerprint(path, kind)
	if err != nil {
		return nil, fmt.Errorf("stat labels: %w", err)
	}
	b, err := OpenBadger(BadgerOptions{Dir: dir, Logger: log})
	if err != nil {
		return nil, err
	}
	if b.Fingerprint() == fp {
		log.Info("label cache hit", slog.String("dir", dir), slog.Int("labels", b.Len()))
		return b, nil
	}
	mem, err := LoadFile(path, kind)
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := b.Import(ctx, mem, fp); err != nil {
		b.Close()
		return nil, err
	}
	log.Info("label cache rebuilt", slog.String("dir", dir), slog.Int("labels", b.Len()))
	return b, nil
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warn(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Infof(string, ...interface{})        {}
func (l badgerLogger) Debugf(string, ...interface{})       {}
