package queue

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"reqsploit/pkg/model"
	"reqsploit/pkg/traffic"
)

func newRequest(id, method, url string, body []byte) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = id
	req.Method = method
	req.URL = url
	req.Body = body
	req.Headers.Set("Accept", "*/*")
	req.CapturedAt = time.Now()
	return req
}

func TestForwardWithoutModificationsKeepsRequestIntact(t *testing.T) {
	q := New(Config{})
	req := newRequest("r1", "POST", "https://example.test/login", []byte(`{"user":"a"}`))

	h := q.Hold(req)
	if err := q.Forward("r1", nil); err != nil {
		t.Fatalf("forward: %v", err)
	}

	res := h.Wait()
	if res.Dropped || res.Cancelled {
		t.Fatal("expected forwarded resolution")
	}
	if res.Request.Method != "POST" || res.Request.URL != "https://example.test/login" {
		t.Fatal("request line must be unchanged")
	}
	if !bytes.Equal(res.Request.Body, req.Body) {
		t.Fatal("body must be byte-for-byte identical to capture")
	}
}

func TestForwardHeaderOverrideLeavesOtherFieldsCaptured(t *testing.T) {
	q := New(Config{})
	req := newRequest("r1", "GET", "https://example.test/", nil)

	h := q.Hold(req)
	mods := &traffic.Modifications{Headers: map[string]string{"X-Injected": "1"}}
	if err := q.Forward("r1", mods); err != nil {
		t.Fatalf("forward: %v", err)
	}

	res := h.Wait()
	if res.Request.Headers.Get("X-Injected") != "1" {
		t.Fatal("header override not applied")
	}
	if res.Request.Method != "GET" || res.Request.URL != "https://example.test/" || res.Request.Body != nil {
		t.Fatal("method/url/body must remain as captured")
	}
	// 覆盖应用在副本上，原捕获记录不被修改
	if req.Headers.Get("X-Injected") != "" {
		t.Fatal("captured request must not be mutated")
	}
}

func TestDropResolvesWithDroppedSignal(t *testing.T) {
	q := New(Config{})
	h := q.Hold(newRequest("r1", "GET", "http://example.test/", nil))

	if err := q.Drop("r1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if res := h.Wait(); !res.Dropped {
		t.Fatal("expected dropped resolution")
	}
}

func TestSecondResolutionFailsWithNotFound(t *testing.T) {
	q := New(Config{})
	h := q.Hold(newRequest("r1", "GET", "http://example.test/", nil))

	if err := q.Forward("r1", nil); err != nil {
		t.Fatalf("forward: %v", err)
	}
	h.Wait()

	var nf *model.NotFoundError
	if err := q.Drop("r1"); !errors.As(err, &nf) {
		t.Fatalf("drop after forward = %v, want NotFoundError", err)
	}
	if err := q.Forward("r1", nil); !errors.As(err, &nf) {
		t.Fatalf("forward after forward = %v, want NotFoundError", err)
	}
	if err := q.Forward("unknown", nil); !errors.As(err, &nf) {
		t.Fatalf("forward unknown = %v, want NotFoundError", err)
	}
}

func TestSnapshotOrderedByCaptureTime(t *testing.T) {
	q := New(Config{})
	base := time.Now()
	offsets := map[string]time.Duration{"r3": 3 * time.Second, "r1": time.Second, "r2": 2 * time.Second}
	for id, off := range offsets {
		req := newRequest(id, "GET", "http://example.test/"+id, nil)
		req.CapturedAt = base.Add(off)
		q.Hold(req)
	}

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].CapturedAt.Before(snap[i-1].CapturedAt) {
			t.Fatal("snapshot must be ordered by capture time")
		}
	}
}

func TestCloseAllCancelsOutstandingHandles(t *testing.T) {
	q := New(Config{})
	h1 := q.Hold(newRequest("r1", "GET", "http://example.test/1", nil))
	h2 := q.Hold(newRequest("r2", "GET", "http://example.test/2", nil))

	done := make(chan Resolution, 2)
	go func() { done <- h1.Wait() }()
	go func() { done <- h2.Wait() }()

	q.CloseAll()

	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			if !res.Cancelled {
				t.Fatal("teardown must resolve handles with cancellation")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("held connection leaked past teardown")
		}
	}

	// 关闭后的 Hold 立即取消，不会再阻塞连接任务
	h3 := q.Hold(newRequest("r3", "GET", "http://example.test/3", nil))
	if res := h3.Wait(); !res.Cancelled {
		t.Fatal("hold after close must resolve cancelled")
	}
}

func TestHoldEmitsHeldAndQueueChangedEvents(t *testing.T) {
	events := make(chan model.Event, 8)
	q := New(Config{Events: events})

	q.Hold(newRequest("r1", "GET", "http://example.test/", nil))

	first := <-events
	if first.Type != model.EventRequestHeld {
		t.Fatalf("first event = %s, want %s", first.Type, model.EventRequestHeld)
	}
	second := <-events
	if second.Type != model.EventQueueChanged {
		t.Fatalf("second event = %s, want %s", second.Type, model.EventQueueChanged)
	}
}
