package coordinator

import "sync"

// LogLine is a single fleet log line surfaced to admin subscribers (e.g. an
// admin dashboard tailing `log_entry`/`log_batch` traffic). It is advisory
// only: a slow or absent subscriber never blocks job processing.
type LogLine struct {
	RobotID string
	Payload LogEntryPayload
}

// Hub fans a single stream of LogLine events out to any number of
// subscribers, each with its own bounded buffer. A subscriber that falls
// behind has its oldest buffered line dropped rather than stalling
// publishers, matching the "broadcast is best-effort" stance implied by
// spec §4.3's treatment of log_entry/log_batch as non-critical telemetry.
type Hub struct {
	mu   sync.Mutex
	subs map[chan LogLine]struct{}
}

// NewHub builds an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan LogLine]struct{}{}}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (h *Hub) Subscribe(buffer int) (<-chan LogLine, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan LogLine, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	unsub := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Publish broadcasts a line to every current subscriber without blocking.
func (h *Hub) Publish(line LogLine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
			// Subscriber is behind; drop the oldest entry to make room
			// rather than block the publisher.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- line:
			default:
			}
		}
	}
}
