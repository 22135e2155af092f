package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailBytes = 4096

type stage struct {
	name string
	argv []string
}

func (s stage) String() string {
	return strings.Join(s.argv, " ")
}

// pipeline is a chain of processes joined by OS pipes. out is the read end of
// the last stage's stdout.
type pipeline struct {
	stages []stage
	cmds   []*exec.Cmd
	tails  []*tailBuffer
	out    *os.File
	cancel context.CancelFunc
	ctx    context.Context
}

func startPipeline(ctx context.Context, stages []stage) (*pipeline, error) {
	runCtx, cancel := context.WithCancel(ctx)
	p := &pipeline{stages: stages, cancel: cancel, ctx: runCtx}

	var prev *os.File
	for _, st := range stages {
		r, w, err := os.Pipe()
		if err != nil {
			if prev != nil {
				prev.Close()
			}
			p.abort()
			return nil, fmt.Errorf("create pipe: %w", err)
		}
		cmd := exec.CommandContext(runCtx, st.argv[0], st.argv[1:]...)
		if prev != nil {
			cmd.Stdin = prev
		}
		tail := &tailBuffer{max: stderrTailBytes}
		cmd.Stdout = w
		cmd.Stderr = tail
		err = cmd.Start()
		// the children hold their own copies
		w.Close()
		if prev != nil {
			prev.Close()
		}
		if err != nil {
			r.Close()
			p.abort()
			return nil, &stageError{stage: st.name, err: err}
		}
		p.cmds = append(p.cmds, cmd)
		p.tails = append(p.tails, tail)
		prev = r
	}
	p.out = prev
	return p, nil
}

// wait collects every stage after the output was read to EOF and reports
// the first stage that failed.
func (p *pipeline) wait() error {
	if p.out != nil {
		p.out.Close()
	}
	var first error
	for i, cmd := range p.cmds {
		if err := cmd.Wait(); err != nil && first == nil {
			first = &stageError{stage: p.stages[i].name, err: err, stderr: p.tails[i].String()}
		}
	}
	p.cancel()
	return first
}

// abort stops the pipeline early. Broken pipes and kills that follow are
// expected and ignored.
func (p *pipeline) abort() {
	if p.out != nil {
		p.out.Close()
	}
	p.cancel()
	for _, cmd := range p.cmds {
		_ = cmd.Wait()
	}
}

// stderr joins the non-empty stderr tails of all stages.
func (p *pipeline) stderr() string {
	var parts []string
	for i, tail := range p.tails {
		if s := strings.TrimSpace(tail.String()); s != "" {
			parts = append(parts, p.stages[i].name+": "+s)
		}
	}
	return strings.Join(parts, "; ")
}

type stageError struct {
	stage  string
	err    error
	stderr string
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

func asStageError(err error) (*stageError, bool) {
	var se *stageError
	ok := errors.As(err, &se)
	return se, ok
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
