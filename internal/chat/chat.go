// Package chat defines the interface for chat room transports.
package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/shineum/mail2room/internal/email"
)

// SendStatus is the outcome of a single post attempt as reported by the chat
// service. A StatusCode of 0 means no response was received.
type SendStatus struct {
	StatusCode int
	Message    string

	// RetryAfter is the delay the service asked for before the next request,
	// zero when it did not ask for one.
	RetryAfter time.Duration
}

// OK reports whether the post was accepted.
func (s SendStatus) OK() bool {
	return s.StatusCode == http.StatusOK
}

// Transport is the interface that chat backends must implement.
// Each transport posts rendered segments and attachments into rooms
// identified by opaque room ids.
type Transport interface {
	// SendMessage posts one segment into roomID. Non-2xx responses are
	// reported through SendStatus; a returned error means the request
	// itself could not be completed.
	SendMessage(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) (SendStatus, error)

	// SendAttachment uploads att and posts it into roomID.
	SendAttachment(ctx context.Context, att email.Attachment, roomID string) error

	// Name returns the human-readable name of this transport.
	Name() string
}
