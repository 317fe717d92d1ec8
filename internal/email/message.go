// Package email defines the core email data model used throughout the bridge.
package email

import (
	"strings"
	"time"
)

// Verdict is the outcome of a sender authentication check (DKIM or SPF).
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
	VerdictNone Verdict = "none"
)

// ParseVerdict maps a raw result token such as "pass", "softfail" or
// "temperror" onto a Verdict. Anything that is not a pass or a hard fail is
// reported as VerdictNone.
func ParseVerdict(s string) Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass":
		return VerdictPass
	case "fail":
		return VerdictFail
	default:
		return VerdictNone
	}
}

// Address is a single mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// InboundEmail represents a parsed inbound message. It is not modified after
// the SMTP listener hands it to the bridge.
type InboundEmail struct {
	MessageID   string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	ContentType string
	SpamScore   float64
	DKIM        Verdict
	SPF         Verdict
	Attachments []Attachment
	Date        time.Time
}

// PrimaryFrom returns the first From address, or the zero Address when the
// message carries none.
func (m *InboundEmail) PrimaryFrom() Address {
	if len(m.From) == 0 {
		return Address{}
	}
	return m.From[0]
}

// IsHTML reports whether the top-level content type is anything other than
// text/plain. A missing content type counts as text/plain.
func (m *InboundEmail) IsHTML() bool {
	ct := strings.ToLower(strings.TrimSpace(m.ContentType))
	if ct == "" {
		ct = "text/plain"
	}
	return !strings.HasPrefix(ct, "text/plain")
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
