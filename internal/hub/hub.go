package hub

import (
	"context"
	"sync"

	"livesub/internal/domain"
	"livesub/internal/logging"
)

// Subscriber is one connected output sink.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Hub fans results out to every registered subscriber. A subscriber whose
// send fails is removed after the pass and closed exactly once.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]Subscriber
	onEmpty func()
}

func New() *Hub {
	return &Hub{subs: make(map[string]Subscriber)}
}

// OnEmpty sets a callback run when the last subscriber leaves. It runs
// outside the hub lock.
func (h *Hub) OnEmpty(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = fn
}

// Register adds sub. Registering the same ID again is a no-op.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	_, exists := h.subs[sub.ID()]
	if !exists {
		h.subs[sub.ID()] = sub
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !exists {
		logging.Infow("subscriber registered", "subscriber.id", sub.ID(), "subscribers", count)
	}
}

// Unregister removes and closes sub if it is still registered.
func (h *Hub) Unregister(sub Subscriber) {
	h.remove([]Subscriber{sub})
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast encodes result once and sends it to every subscriber.
func (h *Hub) Broadcast(_ context.Context, result domain.TranscriptResult) error {
	payload, err := domain.EncodeResult(result)
	if err != nil {
		return err
	}
	h.send(payload, "")
	return nil
}

// BroadcastRaw sends an already encoded message to everyone but the
// subscriber with ID except.
func (h *Hub) BroadcastRaw(payload []byte, except string) {
	h.send(payload, except)
}

func (h *Hub) send(payload []byte, except string) {
	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		if id != except {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		logging.Debugw("no subscribers connected, dropping message", "bytes", len(payload))
		return
	}

	h.deliver(targets, func(sub Subscriber) error { return sub.Send(payload) })
}

// deliver sends to every target concurrently so one stalled subscriber only
// delays itself, then removes the ones that failed.
func (h *Hub) deliver(targets []Subscriber, send func(Subscriber) error) {
	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []Subscriber
	)
	for _, sub := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(sub); err != nil {
				logging.Warnw("subscriber send failed, removing", "subscriber.id", sub.ID(), "error", err)
				failedMu.Lock()
				failed = append(failed, sub)
				failedMu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(failed) > 0 {
		h.remove(failed)
	}
}

// remove deletes subs that are still present and closes them. The map
// delete decides which caller owns the close, so no subscriber is closed
// twice.
func (h *Hub) remove(subs []Subscriber) {
	h.mu.Lock()
	removed := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		current, ok := h.subs[sub.ID()]
		if !ok || current != sub {
			continue
		}
		delete(h.subs, sub.ID())
		removed = append(removed, sub)
	}
	empty := len(removed) > 0 && len(h.subs) == 0
	onEmpty := h.onEmpty
	h.mu.Unlock()

	for _, sub := range removed {
		_ = sub.Close()
		logging.Infow("subscriber removed", "subscriber.id", sub.ID())
	}
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		all = append(all, sub)
	}
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
}
