package dispatch

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"

	log "github.com/nvkh/llmbridge/internal/logging"
)

// RetryConfig bounds connection-establishment retries. Retries only apply
// before the first stream byte reaches the client; a stream that dies
// mid-flight is finalized, never silently replayed.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterDelay: 250 * time.Millisecond,
}

func newRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[*http.Response] {
	builder := retrypolicy.NewBuilder[*http.Response]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			if resp == nil {
				return false
			}
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		}).
		// A retried attempt's response is abandoned; its body must be drained
		// and closed so the underlying connection can be reused. The final
		// attempt's body stays open for the caller.
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			if resp := e.LastResult(); resp != nil && resp.Body != nil {
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
			}
		}).
		// Exhausted retries hand the last response back to the caller, whose
		// status handling closes it, instead of abandoning it inside the
		// policy as ErrExceeded.
		ReturnLastFailure()
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// breakerSet holds one two-step circuit breaker per backend. Streams commit
// in two phases: Allow gates the connection, the returned done callback
// records the stream's final outcome.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker)}
}

func (s *breakerSet) get(name string) *gobreaker.TwoStepCircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("breaker %s: %s -> %s", name, from, to)
		},
	})
	s.breakers[name] = cb
	return cb
}
