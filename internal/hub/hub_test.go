package hub

import (
	"testing"
	"time"

	"github.com/peterje/coderunner/internal/terminal"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	logger := zerolog.Nop()
	return New(&logger)
}

func receive(t *testing.T, ch <-chan terminal.Frame) terminal.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return terminal.Frame{}
	}
}

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	h := newTestHub()
	alice, unsubA := h.Subscribe(terminal.Topic("alice"))
	defer unsubA()
	bob, unsubB := h.Subscribe(terminal.Topic("bob"))
	defer unsubB()

	h.Publish(terminal.Topic("alice"), terminal.Output("hi"))

	if f := receive(t, alice); f.Content != "hi" {
		t.Fatalf("alice got %+v", f)
	}
	select {
	case f := <-bob:
		t.Fatalf("bob received %+v", f)
	default:
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	h := newTestHub()
	topic := terminal.Topic("k")
	a, unsubA := h.Subscribe(topic)
	defer unsubA()
	b, unsubB := h.Subscribe(topic)
	defer unsubB()

	h.Publish(topic, terminal.Output("1"))
	h.Publish(topic, terminal.Output("2"))
	h.Publish(topic, terminal.Status("", 0))

	for _, ch := range []<-chan terminal.Frame{a, b} {
		if f := receive(t, ch); f.Content != "1" {
			t.Fatalf("first = %+v", f)
		}
		if f := receive(t, ch); f.Content != "2" {
			t.Fatalf("second = %+v", f)
		}
		if f := receive(t, ch); f.Type != terminal.FrameStatus {
			t.Fatalf("third = %+v", f)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := newTestHub()
	topic := terminal.Topic("k")
	ch, unsub := h.Subscribe(topic)

	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := h.Subscribers(topic); n != 0 {
		t.Fatalf("Subscribers = %d", n)
	}
	// Publishing to a topic without subscribers is harmless.
	h.Publish(topic, terminal.Output("x"))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := newTestHub()
	topic := terminal.Topic("k")
	_, unsub := h.Subscribe(topic)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Publish(topic, terminal.Output("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestStatusSurvivesFullSubscriber(t *testing.T) {
	h := newTestHub()
	topic := terminal.Topic("k")
	ch, unsub := h.Subscribe(topic)
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		h.Publish(topic, terminal.Output("x"))
	}
	h.Publish(topic, terminal.Output("dropped"))
	h.Publish(topic, terminal.Status("\r\n[Process exited with code 0]\r\n", 0))

	var statuses int
	var last terminal.Frame
	for i := 0; i < subscriberBuffer; i++ {
		last = receive(t, ch)
		if last.Type == terminal.FrameStatus {
			statuses++
		}
		if last.Content == "dropped" {
			t.Fatal("output frame delivered to a full subscriber")
		}
	}
	if statuses != 1 || last.Type != terminal.FrameStatus {
		t.Fatalf("statuses = %d, last = %+v", statuses, last)
	}
}
