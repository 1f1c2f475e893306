package dispatcher

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/nova-labs/smartmessage/pkg/envelope"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestMatchBothEmptyAcceptsEverything(t *testing.T) {
	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	if !Match(Filters{}, h) {
		t.Fatalf("expected empty filters to accept broadcast header")
	}
	h2 := envelope.NewHeader("OrderMessage", 1, "svc-a", strPtr("svc-b"), "")
	if !Match(Filters{}, h2) {
		t.Fatalf("expected empty filters to accept targeted header")
	}
}

func TestMatchBroadcastOnly(t *testing.T) {
	f := Filters{Broadcast: boolPtr(true)}
	broadcast := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	targeted := envelope.NewHeader("OrderMessage", 1, "svc-a", strPtr("svc-b"), "")
	if !Match(f, broadcast) {
		t.Fatalf("expected broadcast=true filter to match broadcast header")
	}
	if Match(f, targeted) {
		t.Fatalf("expected broadcast=true filter to reject targeted header")
	}
}

func TestMatchToOnly(t *testing.T) {
	f := Filters{To: []string{"svc-a"}}
	matchingTo := envelope.NewHeader("OrderMessage", 1, "svc-x", strPtr("svc-a"), "")
	otherTo := envelope.NewHeader("OrderMessage", 1, "svc-x", strPtr("svc-b"), "")
	broadcast := envelope.NewHeader("OrderMessage", 1, "svc-x", nil, "")
	if !Match(f, matchingTo) {
		t.Fatalf("expected to=[svc-a] to match header to=svc-a")
	}
	if Match(f, otherTo) {
		t.Fatalf("expected to=[svc-a] to reject header to=svc-b")
	}
	if Match(f, broadcast) {
		t.Fatalf("expected to=[svc-a] to reject broadcast header")
	}
}

func TestMatchBothSetMatchingBroadcast(t *testing.T) {
	f := Filters{Broadcast: boolPtr(true), To: []string{"svc-a"}}
	broadcast := envelope.NewHeader("OrderMessage", 1, "svc-x", nil, "")
	if !Match(f, broadcast) {
		t.Fatalf("expected broadcast+to filter to match broadcast header via broadcast arm")
	}
}

func TestMatchFromRegex(t *testing.T) {
	re := regexp.MustCompile(`^payment-.*`)
	f := Filters{FromRegex: []*regexp.Regexp{re}}
	matching := envelope.NewHeader("OrderMessage", 1, "payment-us", nil, "")
	other := envelope.NewHeader("OrderMessage", 1, "orders", nil, "")
	if !Match(f, matching) {
		t.Fatalf("expected from regex to match payment-us")
	}
	if Match(f, other) {
		t.Fatalf("expected from regex to reject orders")
	}
}

func TestMatchFromMismatchRejectsRegardlessOfTo(t *testing.T) {
	f := Filters{From: []string{"payment-service"}, Broadcast: boolPtr(true)}
	h := envelope.NewHeader("OrderMessage", 1, "orders", nil, "")
	if Match(f, h) {
		t.Fatalf("expected from mismatch to reject even though broadcast matches")
	}
}

func TestAddRejectsExactDuplicate(t *testing.T) {
	d := New(Options{Concurrency: 1})
	defer d.Shutdown()
	d.Add("OrderMessage", "h1", Filters{})
	d.Add("OrderMessage", "h1", Filters{})
	d.mu.Lock()
	n := len(d.subscribers["OrderMessage"])
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exact duplicate to be ignored, got %d subscriptions", n)
	}
}

func TestRouteDeliversToMatchingSubscriberOnce(t *testing.T) {
	d := New(Options{Concurrency: 2})
	defer d.Shutdown()

	var mu sync.Mutex
	var calls int
	done := make(chan struct{}, 10)
	d.RegisterHandler("h1", func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	d.Add("OrderMessage", "h1", Filters{})

	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	d.Route(envelope.Envelope{Header: h})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handler invocation")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRouteDeduplicatesByDDQ(t *testing.T) {
	d := New(Options{Concurrency: 1})
	defer d.Shutdown()
	d.SetDDQConfig("OrderMessage", DDQConfig{Enabled: true, Capacity: 10})

	var mu sync.Mutex
	var calls int
	done := make(chan struct{}, 10)
	d.RegisterHandler("h1", func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	d.Add("OrderMessage", "h1", Filters{})

	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	d.Route(envelope.Envelope{Header: h})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first invocation")
	}
	// Same envelope (same UUID) published again must be deduplicated.
	d.Route(envelope.Envelope{Header: h})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected deduplication to cap calls at 1, got %d", calls)
	}
}

func TestRetryWithBackoffSucceedsBeforeExhaustingAttempts(t *testing.T) {
	d := New(Options{Concurrency: 1, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	defer d.Shutdown()

	var mu sync.Mutex
	var calls int
	done := make(chan struct{}, 10)
	d.RegisterHandler("h1", func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 2 {
			return errors.New("transient")
		}
		done <- struct{}{}
		return nil
	})
	d.Add("OrderMessage", "h1", Filters{})

	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	d.Route(envelope.Envelope{Header: h})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handler to eventually succeed")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", calls)
	}
}

func TestRetryExhaustionStillRoutesToDLQ(t *testing.T) {
	d := New(Options{Concurrency: 1, MaxRetries: 1, RetryBaseDelay: time.Millisecond})
	defer d.Shutdown()

	var mu sync.Mutex
	var calls int
	done := make(chan struct{}, 10)
	d.RegisterHandler("h1", func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return errors.New("permanent")
	})
	d.Add("OrderMessage", "h1", Filters{})

	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	d.Route(envelope.Envelope{Header: h})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for attempt %d", i+1)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 1 initial attempt + 1 retry, got %d", calls)
	}
}

func TestShutdownCompletesWithinBound(t *testing.T) {
	d := New(Options{Concurrency: 2})
	start := time.Now()
	d.Shutdown()
	if time.Since(start) > shutdownBound+500*time.Millisecond {
		t.Fatalf("shutdown exceeded bound")
	}
}

func TestHandlerFailureDoesNotMarkDDQProcessed(t *testing.T) {
	d := New(Options{Concurrency: 1})
	defer d.Shutdown()
	d.SetDDQConfig("OrderMessage", DDQConfig{Enabled: true, Capacity: 10})

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 10)
	d.RegisterHandler("h1", func(ctx context.Context, env envelope.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return errors.New("boom")
	})
	d.Add("OrderMessage", "h1", Filters{})

	h := envelope.NewHeader("OrderMessage", 1, "svc-a", nil, "")
	d.Route(envelope.Envelope{Header: h})
	<-done
	d.Route(envelope.Envelope{Header: h})
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected both deliveries since failure never marks ddq processed, got %d", calls)
	}
}
