package datagen

import (
	"context"

	"github.com/loqalabs/loqa-dnn/internal/batch"
	"github.com/loqalabs/loqa-dnn/internal/manifest"
)

type shardResult struct {
	batch *batch.Batch
	err   error
}

// prefetch is one shard read running ahead of the consumer. The result is
// handed over on a channel of depth one; only the consumer touches the window.
type prefetch struct {
	index  int
	done   chan shardResult
	cancel context.CancelFunc
}

func (g *Generator) startPrefetch(shard manifest.Shard) {
	g.cancelPrefetch()
	ctx, cancel := context.WithCancel(g.base)
	p := &prefetch{index: shard.Index, done: make(chan shardResult, 1), cancel: cancel}
	go func() {
		b, err := g.readShard(ctx, shard)
		p.done <- shardResult{batch: b, err: err}
	}()
	g.pending = p
}

// cancelPrefetch stops the in-flight read, if any, and waits for it.
func (g *Generator) cancelPrefetch() {
	p := g.pending
	if p == nil {
		return
	}
	g.pending = nil
	p.cancel()
	<-p.done
}

// fetch returns the shard from a matching prefetch or reads it directly.
func (g *Generator) fetch(ctx context.Context, shard manifest.Shard) (*batch.Batch, error) {
	if p := g.pending; p != nil && p.index == shard.Index {
		g.pending = nil
		select {
		case r := <-p.done:
			p.cancel()
			return r.batch, r.err
		case <-ctx.Done():
			p.cancel()
			<-p.done
			return nil, ctx.Err()
		}
	}
	g.cancelPrefetch()
	return g.readShard(ctx, shard)
}
