// Package agentrpc implements the director's side of the agent RPC
// protocol: a subject-keyed publish/subscribe bus and a Client that issues
// JSON request/reply calls against it, matching replies to calls purely by
// correlation id.
package agentrpc

import (
	"sync"
)

// Bus is an in-process, subject-routed publish/subscribe channel. Subjects
// are plain strings ("agent.<agent_id>" for requests, "inbox.<uuid>" for
// replies); publishing to a subject with no subscriber is a no-op. This
// plays the same role the wire transport does in the real system: a single
// process-wide Bus stands in for whatever message broker carries
// agent.<agent_id> traffic in production, with the same fan-out semantics.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan []byte]bool)}
}

// Subscribe returns a channel that receives every message published to
// subject from this point on, and an unsubscribe function that must be
// called exactly once to release it.
func (b *Bus) Subscribe(subject string) (ch chan []byte, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch = make(chan []byte, 1)
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[chan []byte]bool)
	}
	b.subs[subject][ch] = true

	unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[subject]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, subject)
			}
		}
	}
	return ch, unsubscribe
}

// Publish delivers payload to every current subscriber of subject.
// Subscribers with a full buffer are skipped rather than blocking the
// publisher, since a reply bus never delivers more than one message per
// subscription in this protocol.
func (b *Bus) Publish(subject string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[subject] {
		select {
		case ch <- payload:
		default:
		}
	}
}
