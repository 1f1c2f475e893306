package envelope

import "encoding/json"

// Envelope pairs a Header with its encoded payload bytes (spec §3.2).
// Only Payload is subject to the configured serializer; Header travels
// alongside in a form every transport can parse before decoding Payload.
type Envelope struct {
	Header  Header
	Payload []byte
}

// wireForm is the on-the-wire shape (spec §6.1): a JSON object carrying
// the header under _sm_header and the serializer-produced payload bytes
// under _sm_payload. When the default JSON serializer is used, payload is
// itself a JSON value, so it round-trips through json.RawMessage rather
// than being escaped as a string.
type wireForm struct {
	Header  Header          `json:"_sm_header"`
	Payload json.RawMessage `json:"_sm_payload"`
}

// MarshalWire renders the envelope in the outer wrapper form a transport
// can carry as a single unit (spec §6.1).
func (e Envelope) MarshalWire() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return json.Marshal(wireForm{Header: e.Header, Payload: payload})
}

// UnmarshalWire parses the outer wrapper produced by MarshalWire, recovering
// the header independently of the payload's concrete type so a transport
// can route before the payload is decoded.
func UnmarshalWire(data []byte) (Envelope, error) {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{Header: w.Header, Payload: []byte(w.Payload)}, nil
}
