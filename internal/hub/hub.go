// Package hub fans terminal frames out to in-process subscribers by topic.
package hub

import (
	"sync"

	"github.com/peterje/coderunner/internal/metrics"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 1024

type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan terminal.Frame]struct{}
	logger *zerolog.Logger
}

func New(logger *zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[chan terminal.Frame]struct{}),
		logger: logger,
	}
}

// Publish delivers f to every subscriber of topic without blocking. A
// subscriber whose buffer is full misses output frames; a status frame
// always gets through by displacing the oldest buffered frame.
func (h *Hub) Publish(topic string, f terminal.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[topic] {
		if lost := terminal.Offer(ch, f, f.Type == terminal.FrameStatus); lost > 0 {
			metrics.FramesDropped.Add(float64(lost))
			h.logger.Warn().Str("topic", topic).Str("type", f.Type).Msg("hub: dropped frame for slow subscriber")
		}
	}
}

// Subscribe returns a channel of frames published to topic and an
// unsubscribe function that closes it.
func (h *Hub) Subscribe(topic string) (<-chan terminal.Frame, func()) {
	ch := make(chan terminal.Frame, subscriberBuffer)
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan terminal.Frame]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

var _ terminal.Sink = (*Hub)(nil)
