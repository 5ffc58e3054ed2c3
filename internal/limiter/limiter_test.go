package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPerClientBurst(t *testing.T) {
	rl := New(1000, 0.001, 2)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst requests rejected")
	}
	if rl.Allow("a") {
		t.Fatal("request beyond burst allowed")
	}
	if !rl.Allow("b") {
		t.Fatal("independent client rejected")
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(1000, 0.001, 1)
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/code/run", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.4:4000"
	if got := ClientID(req); got != "192.168.1.4" {
		t.Errorf("ClientID = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientID(req); got != "203.0.113.9" {
		t.Errorf("ClientID with forwarded = %q", got)
	}
}

func TestSweep(t *testing.T) {
	rl := New(1000, 10, 5)
	rl.Allow("old")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("fresh")

	if n := rl.Sweep(10 * time.Millisecond); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := rl.clients.Load("old"); ok {
		t.Error("idle client kept")
	}
	if _, ok := rl.clients.Load("fresh"); !ok {
		t.Error("fresh client removed")
	}
}
