package dlq

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nova-labs/smartmessage/pkg/envelope"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "dlq.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func sampleRecord(class, errMsg string, at time.Time) Record {
	h := envelope.NewHeader(class, 1, "svc-a", nil, "")
	h.PublishedAt = at
	h.PublisherPID = 1
	return Record{
		Timestamp:     at,
		Header:        h,
		Payload:       `{"order_id":"O1"}`,
		PayloadFormat: "json",
		Error:         errMsg,
		Transport:     "memory",
	}
}

func TestEnqueuePeekDequeueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	if err := s.Enqueue(sampleRecord("OrderMessage", "boom", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	peeked, err := s.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.Error != "boom" {
		t.Fatalf("unexpected peeked record: %+v", peeked)
	}

	size, err := s.Size()
	if err != nil || size != 1 {
		t.Fatalf("expected size 1, got %d err %v", size, err)
	}

	dequeued, err := s.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if dequeued.Error != "boom" {
		t.Fatalf("unexpected dequeued record: %+v", dequeued)
	}

	size, _ = s.Size()
	if size != 0 {
		t.Fatalf("expected size 0 after dequeue, got %d", size)
	}
}

func TestDequeueEmptyReturnsErrEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Dequeue(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestFilterByClassAndErrorPattern(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	_ = s.Enqueue(sampleRecord("OrderMessage", "timeout contacting broker", now))
	_ = s.Enqueue(sampleRecord("PaymentMessage", "decode_failure", now.Add(time.Second)))

	byClass, err := s.FilterByClass("OrderMessage")
	if err != nil || len(byClass) != 1 {
		t.Fatalf("expected 1 OrderMessage entry, got %d err %v", len(byClass), err)
	}

	byErr, err := s.FilterByErrorPattern(`^decode_`)
	if err != nil || len(byErr) != 1 {
		t.Fatalf("expected 1 decode_failure entry, got %d err %v", len(byErr), err)
	}
}

func TestStatisticsAggregatesByClassAndError(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	_ = s.Enqueue(sampleRecord("OrderMessage", "boom", now))
	_ = s.Enqueue(sampleRecord("OrderMessage", "boom", now))
	_ = s.Enqueue(sampleRecord("PaymentMessage", "other", now))

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 3 || stats.ByClass["OrderMessage"] != 2 || stats.ByError["boom"] != 2 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestExportRangeBoundsInclusive(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Enqueue(sampleRecord("OrderMessage", "a", t0))
	_ = s.Enqueue(sampleRecord("OrderMessage", "b", t0.Add(time.Hour)))
	_ = s.Enqueue(sampleRecord("OrderMessage", "c", t0.Add(2*time.Hour)))

	out, err := s.ExportRange(t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("export range: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(out))
	}
}

func TestCorruptedLinesAreSkipped(t *testing.T) {
	s := newTestStore(t)
	_ = s.Enqueue(sampleRecord("OrderMessage", "ok", time.Now().UTC()))

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}

	records, skipped, err := s.readAll()
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if len(records) != 1 || skipped != 1 {
		t.Fatalf("expected 1 valid + 1 skipped, got %d valid %d skipped", len(records), skipped)
	}
}

type fakePublisher struct {
	fail bool
}

func (f *fakePublisher) Publish(envelope.Envelope) error {
	if f.fail {
		return errors.New("publish failed")
	}
	return nil
}

func TestReplayOneSuccessRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	_ = s.Enqueue(sampleRecord("OrderMessage", "boom", time.Now().UTC()))

	if err := s.ReplayOne(&fakePublisher{}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	size, _ := s.Size()
	if size != 0 {
		t.Fatalf("expected empty dlq after successful replay, got size %d", size)
	}
}

func TestReplayOneFailureReenqueuesWithIncrementedRetry(t *testing.T) {
	s := newTestStore(t)
	_ = s.Enqueue(sampleRecord("OrderMessage", "boom", time.Now().UTC()))

	err := s.ReplayOne(&fakePublisher{fail: true})
	if err == nil {
		t.Fatalf("expected replay failure to propagate")
	}
	rec, peekErr := s.Peek()
	if peekErr != nil {
		t.Fatalf("peek: %v", peekErr)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", rec.RetryCount)
	}
}
