package envelope

import (
	"testing"
	"time"
)

func TestMarshalUnmarshalWireRoundTrip(t *testing.T) {
	h := NewHeader("OrderMessage", 1, "svc-a", nil, "")
	h.PublishedAt = time.Now().UTC()
	h.PublisherPID = 42
	h.Serializer = "json"
	e := Envelope{Header: h, Payload: []byte(`{"order_id":"O1","amount":9.99}`)}

	data, err := e.MarshalWire()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalWire(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Header.UUID != h.UUID || got.Header.MessageClass != h.MessageClass {
		t.Fatalf("header did not round-trip: %+v", got.Header)
	}
	if string(got.Payload) != `{"order_id":"O1","amount":9.99}` {
		t.Fatalf("unexpected payload: %s", got.Payload)
	}
}

func TestMarshalWireNilPayloadBecomesNull(t *testing.T) {
	h := NewHeader("OrderMessage", 1, "svc-a", nil, "")
	e := Envelope{Header: h}
	data, err := e.MarshalWire()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalWire(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got.Payload) != "null" {
		t.Fatalf("expected null payload, got %s", got.Payload)
	}
}
