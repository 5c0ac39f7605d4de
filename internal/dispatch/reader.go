package dispatch

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nvkh/llmbridge/internal/logging"
)

// streamReader wraps a backend response body with context-aware cancellation
// and idle detection. Cancelling the request context closes the body, which
// unblocks any pending Read immediately; the idle watchdog is a safety net
// for upstreams that stall without closing.
type streamReader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64
	idleTimeout  time.Duration
	stopWatchdog chan struct{}
	backend      string
}

func newStreamReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration, backend string) *streamReader {
	sr := &streamReader{
		body:         body,
		ctx:          ctx,
		idleTimeout:  idleTimeout,
		stopWatchdog: make(chan struct{}),
		backend:      backend,
	}
	sr.touch()
	go sr.watchContext()
	if idleTimeout > 0 {
		go sr.watchIdle()
	}
	return sr
}

func (sr *streamReader) touch() {
	sr.lastActivity.Store(time.Now().UnixNano())
}

func (sr *streamReader) watchContext() {
	select {
	case <-sr.ctx.Done():
		sr.closeWithReason("context cancelled")
	case <-sr.stopWatchdog:
	}
}

func (sr *streamReader) watchIdle() {
	checkInterval := sr.idleTimeout / 4
	if checkInterval < 10*time.Second {
		checkInterval = 10 * time.Second
	}
	if checkInterval > 30*time.Second {
		checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return
		case <-sr.stopWatchdog:
			return
		case <-ticker.C:
			if sr.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, sr.lastActivity.Load()))
			if idle > sr.idleTimeout {
				log.Warnf("%s: stream stalled for %v (limit %v), closing", sr.backend, idle.Round(time.Second), sr.idleTimeout)
				sr.closeWithReason("idle timeout")
				return
			}
		}
	}
}

func (sr *streamReader) Read(p []byte) (int, error) {
	if sr.closed.Load() {
		return 0, io.EOF
	}
	n, err := sr.body.Read(p)
	if n > 0 {
		sr.touch()
	}
	return n, err
}

func (sr *streamReader) closeWithReason(reason string) {
	sr.closeOnce.Do(func() {
		sr.closed.Store(true)
		sr.closeErr = sr.body.Close()
		log.Debugf("%s: stream closed: %s", sr.backend, reason)
	})
}

func (sr *streamReader) Close() error {
	sr.closeWithReason("explicit close")
	select {
	case <-sr.stopWatchdog:
	default:
		close(sr.stopWatchdog)
	}
	return sr.closeErr
}
