package email

import "time"

// SegmentKind distinguishes the newest reply of a message from the quoted
// history that follows it.
type SegmentKind int

const (
	KindPrimary SegmentKind = iota
	KindFragment
)

// String returns the lower-case name used in logs, templates and storage.
func (k SegmentKind) String() string {
	if k == KindFragment {
		return "fragment"
	}
	return "primary"
}

// ParseSegmentKind is the inverse of SegmentKind.String.
func ParseSegmentKind(s string) SegmentKind {
	if s == "fragment" {
		return KindFragment
	}
	return KindPrimary
}

// OutboundSegment is one chat post derived from an InboundEmail for a single
// destination room. ID is empty until the segment has been persisted.
type OutboundSegment struct {
	ID           string
	EmailID      string
	FromName     string
	FromEmail    string
	ToName       string
	ToEmail      string
	Subject      string
	TextBody     string
	FullTextBody string
	HTMLBody     string
	IsHTML       bool
	RoomID       string
	Kind         SegmentKind
	Date         time.Time
}
