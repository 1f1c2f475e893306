// Package envelope implements the message Header and Envelope wrapper
// (spec §3.1, §3.2, §4.1), grounded on Chartly2.0's pkg/canonical/event.go
// EventMeta shape but narrowed to the routing/identity fields a dispatcher
// actually needs rather than a general audit-trail envelope.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nova-labs/smartmessage/pkg/smerr"
)

// Header is the routing and identity record attached to every Envelope
// (spec §3.1). UUID is immutable after construction; Version must equal the
// owning class's declared version (spec §4.10).
type Header struct {
	UUID          string    `json:"uuid"`
	MessageClass  string    `json:"message_class"`
	PublishedAt   time.Time `json:"published_at"`
	PublisherPID  int       `json:"publisher_pid"`
	Version       int       `json:"version"`
	From          string    `json:"from"`
	To            *string   `json:"to,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	Serializer    string    `json:"serializer,omitempty"`
}

// NewHeader constructs a header for a freshly instantiated message. uuid is
// generated here; publishedAt/publisherPID are left zero until publish()
// fills them in (spec §4.1 "Construction").
func NewHeader(messageClass string, version int, from string, to *string, replyTo string) Header {
	return Header{
		UUID:         uuid.NewString(),
		MessageClass: messageClass,
		Version:      version,
		From:         from,
		To:           clonePtr(to),
		ReplyTo:      replyTo,
	}
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Broadcast reports whether this header has no direct recipient.
func (h Header) Broadcast() bool {
	return h.To == nil
}

// Validate fails with a *smerr.ValidationError if any required field on a
// received/decoded header is missing/empty or Version is not a positive
// integer (spec §4.1 "header.validate!"). published_at and publisher_pid
// are only stamped at publish time (spec §4.1 "left to be overwritten at
// publish"), so this full check is for the inbound path, where both must
// already be populated — use ValidatePreflight for a not-yet-published
// message.
func (h Header) Validate() error {
	if err := h.ValidatePreflight(); err != nil {
		return err
	}
	if h.PublishedAt.IsZero() {
		return smerr.NewValidationError(h.MessageClass, "header.published_at", "must not be empty")
	}
	if h.PublisherPID == 0 {
		return smerr.NewValidationError(h.MessageClass, "header.publisher_pid", "must not be empty")
	}
	return nil
}

// ValidatePreflight checks the fields available before publish stamps
// published_at/publisher_pid (spec §4.1, §4.11 step 1): uuid,
// message_class, from, and a positive version. Message.Validate calls
// this rather than Validate so a freshly constructed, not-yet-published
// message can pass validation ahead of the publish orchestration that
// stamps the remaining two fields.
func (h Header) ValidatePreflight() error {
	if strings.TrimSpace(h.UUID) == "" {
		return smerr.NewValidationError(h.MessageClass, "header.uuid", "must not be empty")
	}
	if strings.TrimSpace(h.MessageClass) == "" {
		return smerr.NewValidationError(h.MessageClass, "header.message_class", "must not be empty")
	}
	if strings.TrimSpace(h.From) == "" {
		return smerr.NewValidationError(h.MessageClass, "header.from", "must not be empty")
	}
	if h.Version <= 0 {
		return smerr.NewValidationError(h.MessageClass, "header.version", "must be a positive integer")
	}
	return nil
}

// ValidateVersion asserts header.Version equals the class's declared
// version (spec §4.2 step 3, §4.10).
func (h Header) ValidateVersion(classVersion int) error {
	if h.Version != classVersion {
		return smerr.NewValidationError(h.MessageClass, "header.version", "version_mismatch: header carries a different version than the class declares")
	}
	return nil
}
