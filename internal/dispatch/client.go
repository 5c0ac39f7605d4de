// Package dispatch opens and supervises backend streams: connection
// establishment with retries, per-backend circuit breaking, response
// decompression and stalled-stream detection. It is protocol-agnostic; the
// wire codecs decide what the bytes mean.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/failsafe-go/failsafe-go"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/nvkh/llmbridge/internal/canonical"
	log "github.com/nvkh/llmbridge/internal/logging"
	"github.com/nvkh/llmbridge/internal/wire"
)

const defaultIdleTimeout = 4 * time.Minute

// Client opens backend streams.
type Client struct {
	http        *http.Client
	retry       RetryConfig
	breakers    *breakerSet
	idleTimeout time.Duration
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{
			// No overall timeout: streams are long-lived. Cancellation comes
			// from the request context and the idle watchdog.
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				DisableCompression:    true,
			},
		},
		retry:       DefaultRetryConfig,
		breakers:    newBreakerSet(),
		idleTimeout: defaultIdleTimeout,
	}
}

// Stream is an open backend response. Finish must be called exactly once
// with the stream's final outcome so the backend's breaker sees it.
type Stream struct {
	io.ReadCloser
	done func(success bool)
	once sync.Once
}

func (s *Stream) Finish(success bool) {
	s.once.Do(func() {
		if s.done != nil {
			s.done(success)
		}
	})
}

// Open establishes a streaming connection to the named backend. Retries
// cover connection establishment only; once headers are in, the stream is
// handed to the caller as-is.
func (c *Client) Open(ctx context.Context, backend string, req *wire.Request) (*Stream, error) {
	cb := c.breakers.get(backend)
	done, err := cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: backend %s unavailable: %v", canonical.ErrBackendTransport, backend, err)
	}

	resp, err := failsafe.With(newRetryPolicy(c.retry)).WithContext(ctx).Get(func() (*http.Response, error) {
		return c.attempt(ctx, req)
	})
	if err != nil {
		done(false)
		return nil, fmt.Errorf("%w: backend %s: %v", canonical.ErrBackendTransport, backend, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		done(false)
		log.Errorf("dispatch %s: upstream status %d: %.200s", backend, resp.StatusCode, snippet)
		return nil, fmt.Errorf("%w: backend %s returned status %d", canonical.ErrBackendTransport, backend, resp.StatusCode)
	}

	body, err := decompressed(resp)
	if err != nil {
		resp.Body.Close()
		done(false)
		return nil, fmt.Errorf("%w: backend %s: %v", canonical.ErrBackendTransport, backend, err)
	}

	return &Stream{
		ReadCloser: newStreamReader(ctx, body, c.idleTimeout, backend),
		done:       done,
	}, nil
}

func (c *Client) attempt(ctx context.Context, req *wire.Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, br, zstd")
	return c.http.Do(httpReq)
}

// decompressed unwraps the response body per Content-Encoding.
func decompressed(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return wrapped{gz, resp.Body}, nil
	case "br":
		return wrapped{io.NopCloser(brotli.NewReader(resp.Body)), resp.Body}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return wrapped{zr.IOReadCloser(), resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

// wrapped closes both the decompressor and the underlying body.
type wrapped struct {
	io.ReadCloser
	underlying io.Closer
}

func (w wrapped) Close() error {
	err := w.ReadCloser.Close()
	if uerr := w.underlying.Close(); err == nil {
		err = uerr
	}
	return err
}
