package session

import (
	"errors"
	"testing"

	"reqsploit/pkg/model"
)

func TestPortAllocatorUniqueness(t *testing.T) {
	p := newPortAllocator(8000, 8004)
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if port < 8000 || port > 8004 {
			t.Fatalf("port %d out of range", port)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if p.InUse() != 5 {
		t.Fatalf("in use = %d, want 5", p.InUse())
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	p := newPortAllocator(8000, 8001)
	p.Allocate()
	p.Allocate()

	_, err := p.Allocate()
	var perr *model.ProxyError
	if !errors.As(err, &perr) {
		t.Fatalf("exhausted range must return ProxyError, got %v", err)
	}
}

func TestPortAllocatorReleaseAndReuse(t *testing.T) {
	p := newPortAllocator(8000, 8000)
	port, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p.Release(port)

	again, err := p.Allocate()
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if again != port {
		t.Fatalf("released port not reused: got %d want %d", again, port)
	}
}
