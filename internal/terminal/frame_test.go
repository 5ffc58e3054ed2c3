package terminal

import "testing"

func TestOfferKeepsStatusWhenFull(t *testing.T) {
	ch := make(chan Frame, 2)
	Offer(ch, Output("a"), false)
	Offer(ch, Output("b"), false)

	if lost := Offer(ch, Output("c"), false); lost != 1 {
		t.Fatalf("output on full channel: lost = %d, want 1", lost)
	}
	if lost := Offer(ch, Status("", 0), true); lost != 1 {
		t.Fatalf("status on full channel: lost = %d, want 1", lost)
	}

	if f := <-ch; f.Content != "b" {
		t.Fatalf("first = %+v, want the newer output", f)
	}
	if f := <-ch; f.Type != FrameStatus {
		t.Fatalf("second = %+v, want status", f)
	}
}

func TestOfferWithRoom(t *testing.T) {
	ch := make(chan Frame, 1)
	if lost := Offer(ch, Status("", 0), true); lost != 0 {
		t.Fatalf("lost = %d", lost)
	}
	if f := <-ch; f.Type != FrameStatus {
		t.Fatalf("got %+v", f)
	}
}

func TestTopicRoundTrip(t *testing.T) {
	key, ok := KeyFromTopic(Topic("alice"))
	if !ok || key != "alice" {
		t.Fatalf("KeyFromTopic = %q, %v", key, ok)
	}
	if _, ok := KeyFromTopic("/other/alice"); ok {
		t.Fatal("foreign topic accepted")
	}
}
