package dlq

import (
	"time"

	"github.com/nova-labs/smartmessage/pkg/envelope"
)

// Publisher is the minimal surface replay needs from a transport, kept
// narrow so this package never imports pkg/transport (spec §4.6 replay
// "optionally overrides the transport, and calls publish").
type Publisher interface {
	Publish(env envelope.Envelope) error
}

// ReplayOne dequeues the oldest entry and republishes it via transport. On
// success the entry stays removed; on failure it is re-enqueued with
// RetryCount incremented and Error updated (spec §4.6 "Replay semantics").
func (s *FileStore) ReplayOne(transport Publisher) error {
	rec, err := s.Dequeue()
	if err != nil {
		return err
	}
	return s.replayRecord(rec, transport)
}

func (s *FileStore) replayRecord(rec Record, transport Publisher) error {
	env := envelope.Envelope{Header: rec.Header, Payload: []byte(rec.Payload)}
	if err := transport.Publish(env); err != nil {
		rec.RetryCount++
		rec.Error = err.Error()
		_ = s.Enqueue(rec)
		return err
	}
	return nil
}

// ReplayBatch replays up to n oldest entries, returning the number
// successfully republished and the first error encountered (if any);
// replay continues past individual failures since each failed entry is
// re-enqueued on its own.
func (s *FileStore) ReplayBatch(n int, transport Publisher) (succeeded int, firstErr error) {
	for i := 0; i < n; i++ {
		if err := s.ReplayOne(transport); err != nil {
			if err == ErrEmpty {
				break
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded++
	}
	return succeeded, firstErr
}

// ReplayAll replays every entry present at call time (entries re-enqueued
// by a failed replay are not replayed again within the same call).
func (s *FileStore) ReplayAll(transport Publisher) (succeeded int, firstErr error) {
	n, err := s.Size()
	if err != nil {
		return 0, err
	}
	return s.ReplayBatch(n, transport)
}

// NewRecordFromFailure builds a Record for a freshly failed envelope,
// stamping Timestamp with now (spec §4.6, §6.3).
func NewRecordFromFailure(env envelope.Envelope, payloadFormat, errMsg, transportName string, now time.Time) Record {
	return Record{
		Timestamp:     now.UTC(),
		Header:        env.Header,
		Payload:       string(env.Payload),
		PayloadFormat: payloadFormat,
		Error:         errMsg,
		RetryCount:    0,
		Transport:     transportName,
	}
}
