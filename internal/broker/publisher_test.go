package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/peterje/coderunner/internal/terminal"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"/topic/terminal/alice", "topic.terminal.alice"},
		{"/topic/terminal/student.42", "topic.terminal.student_42"},
		{"/topic/terminal/a#b*c", "topic.terminal.a_b_c"},
		{"/custom/path", "custom.path"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.topic); got != tt.want {
			t.Errorf("RoutingKey(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

// stalledChannel blocks every publish until release is closed.
type stalledChannel struct {
	release chan struct{}

	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
}

func (c *stalledChannel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *stalledChannel) Close() error { return nil }

func (c *stalledChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func TestPublishDoesNotWaitForBroker(t *testing.T) {
	logger := zerolog.Nop()
	ch := &stalledChannel{release: make(chan struct{})}
	p := newPublisher(DefaultExchange, ch, &logger)
	defer p.Close()

	topic := terminal.Topic("alice")
	start := time.Now()
	for i := 0; i < 10; i++ {
		p.Publish(topic, terminal.Output("x"))
	}
	p.Publish(topic, terminal.Status("\r\n[Process exited with code 0]\r\n", 0))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish blocked for %s on a stalled broker", elapsed)
	}

	close(ch.release)
	deadline := time.Now().Add(5 * time.Second)
	for ch.count() < 11 {
		if time.Now().After(deadline) {
			t.Fatalf("published %d frames, want 11", ch.count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch.mu.Lock()
	last := ch.published[10]
	key := ch.keys[10]
	ch.mu.Unlock()
	var f terminal.Frame
	if err := json.Unmarshal(last.Body, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != terminal.FrameStatus || last.Type != terminal.FrameStatus || key != "topic.terminal.alice" {
		t.Fatalf("last message = %+v (%s)", f, key)
	}
}

func TestStatusKeptWhenQueueFull(t *testing.T) {
	logger := zerolog.Nop()
	ch := &stalledChannel{release: make(chan struct{})}
	p := newPublisher(DefaultExchange, ch, &logger)
	defer p.Close()

	topic := terminal.Topic("bob")
	for i := 0; i < queueSize+10; i++ {
		p.Publish(topic, terminal.Output("x"))
	}
	p.Publish(topic, terminal.Status("\r\n[Process terminated]\r\n", -1))

	var statuses int
	var last message
	for len(p.queue) > 0 {
		last = <-p.queue
		if last.frame.Type == terminal.FrameStatus {
			statuses++
		}
	}
	if statuses != 1 || last.frame.Type != terminal.FrameStatus {
		t.Fatalf("statuses = %d, last = %+v", statuses, last.frame)
	}
	close(ch.release)
}
