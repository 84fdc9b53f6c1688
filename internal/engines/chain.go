package engines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"livesub/internal/logging"
)

var (
	// ErrChainExhausted is returned when every backend in a chain failed.
	ErrChainExhausted = errors.New("all backends failed")
	// ErrNotConfigured marks a backend whose credentials or endpoint are absent.
	ErrNotConfigured = errors.New("backend not configured")
	// ErrEmptyResult marks a backend that answered without usable text.
	ErrEmptyResult = errors.New("backend returned an empty result")
)

const defaultTimeout = 15 * time.Second

// Candidate names one backend and how to construct it.
type Candidate[T any] struct {
	Name string
	New  func() (T, error)
}

// lazyBackend constructs its backend at most once and caches the outcome,
// including a construction failure.
type lazyBackend[T any] struct {
	name string
	new  func() (T, error)

	once    sync.Once
	backend T
	err     error
}

func (b *lazyBackend[T]) get() (T, error) {
	b.once.Do(func() {
		if b.new == nil {
			b.err = ErrNotConfigured
			return
		}
		b.backend, b.err = b.new()
	})
	return b.backend, b.err
}

// chain holds the ordered backends shared by the recognition and translation
// ports. It is safe for concurrent use.
type chain[T any] struct {
	port     string
	backends []*lazyBackend[T]
	timeout  time.Duration
}

func newChain[T any](port string, candidates []Candidate[T], timeout time.Duration) chain[T] {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backends := make([]*lazyBackend[T], 0, len(candidates))
	for _, c := range candidates {
		backends = append(backends, &lazyBackend[T]{name: c.Name, new: c.New})
	}
	return chain[T]{port: port, backends: backends, timeout: timeout}
}

// names lists the backends in chain order.
func (c *chain[T]) names() []string {
	out := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		out = append(out, b.name)
	}
	return out
}

// availability constructs every backend and reports which ones are usable.
func (c *chain[T]) availability() map[string]error {
	out := make(map[string]error, len(c.backends))
	for _, b := range c.backends {
		_, err := b.get()
		out[b.name] = err
	}
	return out
}

// run tries each backend in order with its own deadline. attempt returns
// (done=true) to accept a result. An attempt that returns done=false with a
// nil error produced a valid but empty answer; if nothing better follows,
// run reports silence instead of failure.
func (c *chain[T]) run(ctx context.Context, attempt func(ctx context.Context, backend T) (bool, error)) (silent bool, err error) {
	var failures []string
	for _, b := range c.backends {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		backend, err := b.get()
		if err != nil {
			c.warn(b.name, err)
			failures = append(failures, fmt.Sprintf("%s: %v", b.name, err))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		done, err := attempt(callCtx, backend)
		cancel()
		if err != nil {
			c.warn(b.name, err)
			failures = append(failures, fmt.Sprintf("%s: %v", b.name, err))
			continue
		}
		if done {
			return false, nil
		}
		silent = true
		logging.Debugw("backend returned no speech, trying next", logging.BackendFields(c.port, b.name)...)
	}
	if silent {
		return true, nil
	}
	if len(failures) == 0 {
		return false, fmt.Errorf("%s: %w: chain is empty", c.port, ErrChainExhausted)
	}
	return false, fmt.Errorf("%s: %w (%s)", c.port, ErrChainExhausted, strings.Join(failures, "; "))
}

func (c *chain[T]) warn(name string, err error) {
	fields := append(logging.BackendFields(c.port, name), "error", err)
	logging.Warnw("backend failed, falling back", fields...)
}
