package ddq

import (
	"fmt"
	"testing"
)

func TestRingBoundedMostRecentN(t *testing.T) {
	r := NewRing(3)
	uuids := []string{"u0", "u1", "u2", "u3", "u4"}
	for _, u := range uuids {
		r.Add(u)
	}
	// Only the most recent 3 (u2,u3,u4) should be present.
	for i, u := range uuids {
		want := i > len(uuids)-3-1
		if got := r.Contains(u); got != want {
			t.Fatalf("Contains(%s) = %v, want %v", u, got, want)
		}
	}
}

func TestRingAddIsIdempotent(t *testing.T) {
	r := NewRing(2)
	r.Add("a")
	r.Add("b")
	r.Add("a") // already present; must not evict "b"
	if !r.Contains("b") {
		t.Fatalf("expected b to remain present after re-adding a")
	}
	if r.Stats().Size != 2 {
		t.Fatalf("expected size 2, got %d", r.Stats().Size)
	}
}

func TestRingClearResetsState(t *testing.T) {
	r := NewRing(2)
	r.Add("a")
	r.Clear()
	if r.Contains("a") {
		t.Fatalf("expected a to be gone after Clear")
	}
	if r.Stats().Size != 0 {
		t.Fatalf("expected size 0 after Clear")
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.Stats().Capacity != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, r.Stats().Capacity)
	}
}

func TestRingConcurrentAddIsRaceFree(t *testing.T) {
	r := NewRing(50)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(i int) {
			for j := 0; j < 20; j++ {
				r.Add(fmt.Sprintf("u-%d-%d", i, j))
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if r.Stats().Size != 50 {
		t.Fatalf("expected ring to fill to capacity, got size %d", r.Stats().Size)
	}
}

func TestScopeKeyPrefixIsStable(t *testing.T) {
	s := Scope{MessageClass: "OrderMessage", HandlerID: "Orders.handle"}
	if s.KeyPrefix() != "smq:ddq:OrderMessage:Orders.handle" {
		t.Fatalf("unexpected key prefix: %s", s.KeyPrefix())
	}
}
