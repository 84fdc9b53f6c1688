package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
)

// Router forwards interim and final results to a broadcaster. Each stream is
// drained by its own goroutine, so order is kept within a stream but not
// across the two.
type Router struct {
	out ports.Broadcaster
	now func() time.Time
}

func New(out ports.Broadcaster) *Router {
	return &Router{out: out, now: time.Now}
}

// Run drains finals and interims until both are closed or ctx ends. Either
// channel may be nil.
func (r *Router) Run(ctx context.Context, finals, interims <-chan domain.TranscriptResult) {
	var wg sync.WaitGroup
	for _, stream := range []struct {
		ch   <-chan domain.TranscriptResult
		kind domain.TranscriptKind
	}{
		{finals, domain.KindFinal},
		{interims, domain.KindInterim},
	} {
		if stream.ch == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.drain(ctx, stream.ch, stream.kind)
		}()
	}
	wg.Wait()
}

func (r *Router) drain(ctx context.Context, in <-chan domain.TranscriptResult, kind domain.TranscriptKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-in:
			if !ok {
				return
			}
			result.Kind = kind
			r.Forward(ctx, result)
		}
	}
}

// Forward stamps the result and broadcasts it unless it carries no text.
func (r *Router) Forward(ctx context.Context, result domain.TranscriptResult) {
	if result.Empty() {
		return
	}
	result.Timestamp = r.now().UTC()
	if result.Origin == "" {
		result.Origin = domain.OriginMic
	}
	if err := r.out.Broadcast(ctx, result); err != nil {
		logging.Warnw("broadcast failed",
			"kind", result.Kind, "session.origin", result.Origin, "error", err)
	}
}

// Status publishes a status message to subscribers.
func (r *Router) Status(ctx context.Context, origin domain.Origin, text string) {
	r.notice(ctx, origin, domain.KindStatus, text)
}

// Error publishes an error message to subscribers.
func (r *Router) Error(ctx context.Context, origin domain.Origin, text string) {
	r.notice(ctx, origin, domain.KindError, text)
}

func (r *Router) notice(ctx context.Context, origin domain.Origin, kind domain.TranscriptKind, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.Forward(ctx, domain.TranscriptResult{TargetText: text, Kind: kind, Origin: origin})
}
