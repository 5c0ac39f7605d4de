// Package streamutil manages the producer/consumer pipeline between a
// backend stream and the client connection: one errgroup-supervised producer
// feeding a buffered frame channel the handler drains.
package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Frame is one unit of client-bound output: encoded bytes or a fatal error.
type Frame struct {
	Data []byte
	Err  error
}

// Pipeline supervises the goroutines bridging one request. Producer failure
// cancels the group; the output channel closes when all producers finish.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Frame

	// onComplete reports the stream's final outcome, feeding the backend's
	// circuit breaker.
	onComplete func(success bool, elapsed time.Duration)

	startTime time.Time
	mu        sync.Mutex
	completed bool
	hasError  bool
}

func NewPipeline(parent context.Context, bufferSize int, onComplete func(success bool, elapsed time.Duration)) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Frame, bufferSize),
		onComplete: onComplete,
		startTime:  time.Now(),
	}
}

func (p *Pipeline) Context() context.Context { return p.ctx }

// Output is the channel the handler drains; it closes when producers finish.
func (p *Pipeline) Output() <-chan Frame { return p.output }

// Go starts a producer in the pipeline's errgroup. A returned error cancels
// every other producer.
func (p *Pipeline) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send delivers one frame, returning false once the pipeline is cancelled.
func (p *Pipeline) Send(f Frame) bool {
	if f.Err != nil {
		p.mu.Lock()
		p.hasError = true
		p.mu.Unlock()
	}
	select {
	case p.output <- f:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pipeline) SendData(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	return p.Send(Frame{Data: data})
}

func (p *Pipeline) SendError(err error) bool {
	return p.Send(Frame{Err: err})
}

// Close waits for producers, closes the output channel and reports the
// outcome. Idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return nil
	}
	p.completed = true
	hasError := p.hasError
	p.mu.Unlock()

	err := p.group.Wait()
	close(p.output)
	if p.onComplete != nil {
		p.onComplete(err == nil && !hasError, time.Since(p.startTime))
	}
	p.cancel()
	return err
}

// Start closes the pipeline in the background once producers finish, so the
// consumer can rely on channel close alone.
func (p *Pipeline) Start() {
	go func() {
		_ = p.Close()
	}()
}

// Cancel aborts the pipeline immediately.
func (p *Pipeline) Cancel() {
	p.cancel()
}
