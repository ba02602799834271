package socket

import (
	"io"
	"sync"
	"time"
)

type pending struct {
	frame []byte
	done  func(error)
}

// Pipeline serializes frame writes onto one writer: writes leave in FIFO
// order and at most one is in flight. Each write runs in its own goroutine
// and its completion starts the next one.
//
// Reset detaches the writer and drops the queue. Completions belonging to an
// older generation are ignored.
type Pipeline struct {
	mu       sync.Mutex
	w        io.Writer
	gen      uint64
	queue    []pending
	inFlight bool

	timeout time.Duration
	onError func(gen uint64, err error)
}

// NewPipeline returns a detached pipeline. onError runs, outside the lock,
// after a write of generation gen fails.
func NewPipeline(timeout time.Duration, onError func(gen uint64, err error)) *Pipeline {
	return &Pipeline{timeout: timeout, onError: onError}
}

// Reset attaches w (nil to detach), drops every queued frame without calling
// its done callback, and returns the new generation.
func (p *Pipeline) Reset(w io.Writer) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.w = w
	p.queue = nil
	p.inFlight = false
	return p.gen
}

// Enqueue appends frame and kicks the writer. done, if set, runs once the
// frame has been written or has failed.
func (p *Pipeline) Enqueue(frame []byte, done func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return ErrConnectionNotEstablished
	}

	p.queue = append(p.queue, pending{frame: frame, done: done})
	p.startNextWrite()
	return nil
}

// InFlight reports whether a write is currently running.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// caller holds the lock
func (p *Pipeline) startNextWrite() {
	if p.inFlight || len(p.queue) == 0 || p.w == nil {
		return
	}
	p.inFlight = true

	w, gen, frame := p.w, p.gen, p.queue[0].frame
	go func() {
		p.complete(gen, p.write(w, frame))
	}()
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (p *Pipeline) write(w io.Writer, frame []byte) error {
	if d, ok := w.(deadliner); ok && p.timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(p.timeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	_, err := w.Write(frame)
	return err
}

func (p *Pipeline) complete(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.gen || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}

	head := p.queue[0]
	p.queue = p.queue[1:]
	p.inFlight = false
	if err == nil {
		p.startNextWrite()
	}
	onError := p.onError
	p.mu.Unlock()

	if head.done != nil {
		head.done(err)
	}
	if err != nil && onError != nil {
		onError(gen, err)
	}
}
