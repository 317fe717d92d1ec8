// Package bridge turns one inbound email into ordered, rate-limited posts
// to every room its recipients route to.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/mail2room/internal/delivery"
	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/filter"
	"github.com/shineum/mail2room/internal/notify"
	"github.com/shineum/mail2room/internal/routing"
	"github.com/shineum/mail2room/internal/segment"
	"github.com/shineum/mail2room/internal/store"
)

// Resolver maps a recipient address and role to destination rules.
// routing.Table satisfies it.
type Resolver interface {
	Resolve(address string, role routing.Role) []routing.Rule
}

// Deliverer posts one segment with retries. delivery.Engine satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, seg *email.OutboundSegment, roomID string, kind email.SegmentKind) delivery.Result
}

// AttachmentSender posts a single attachment into a room.
type AttachmentSender interface {
	SendAttachment(ctx context.Context, att email.Attachment, roomID string) error
}

// Notifier is told about every segment that could not be delivered.
type Notifier interface {
	NotifyExhausted(ctx context.Context, alert notify.Alert) error
}

// Options holds the optional collaborators of a Bridge.
type Options struct {
	// Store enables duplicate detection and persistence. Nil disables both.
	Store store.Store

	// Notifier receives an alert for each exhausted segment.
	Notifier Notifier
}

// Bridge processes inbound emails. It is safe for concurrent use; all
// throttling state lives in the Deliverer.
type Bridge struct {
	resolver    Resolver
	deliverer   Deliverer
	attachments AttachmentSender
	store       store.Store
	notifier    Notifier
}

// New creates a Bridge.
func New(resolver Resolver, deliverer Deliverer, attachments AttachmentSender, opts Options) *Bridge {
	return &Bridge{
		resolver:    resolver,
		deliverer:   deliverer,
		attachments: attachments,
		store:       opts.Store,
		notifier:    opts.Notifier,
	}
}

// Target is one recipient of an email with the header it appeared in.
type Target struct {
	Address string
	Name    string
	Role    routing.Role
}

// Report summarizes the processing of one email.
type Report struct {
	MessageID string

	// Duplicate is set when the email had already been stored and was skipped.
	Duplicate bool

	// Rooms lists every rule evaluation in processing order.
	Rooms []RoomReport
}

// RoomReport is the outcome for one rule evaluated for one target.
type RoomReport struct {
	RoomID   string
	Target   Target
	Accepted bool
	Reason   filter.Reason
	Detail   string

	Segments []delivery.Result

	AttachmentsPosted int
	AttachmentsFailed int
}

// Delivered reports whether every segment of the room was delivered.
func (r RoomReport) Delivered() bool {
	if !r.Accepted {
		return false
	}
	for _, s := range r.Segments {
		if s.Status != delivery.StatusDelivered {
			return false
		}
	}
	return true
}

// ExpandTargets returns the non-empty recipients of msg in To, Cc, Bcc
// order with addresses lower-cased.
func ExpandTargets(msg *email.InboundEmail) []Target {
	var targets []Target
	add := func(addrs []email.Address, role routing.Role) {
		for _, a := range addrs {
			addr := strings.ToLower(strings.TrimSpace(a.Address))
			if addr == "" {
				continue
			}
			targets = append(targets, Target{Address: addr, Name: a.Name, Role: role})
		}
	}
	add(msg.To, routing.RoleTo)
	add(msg.Cc, routing.RoleCc)
	add(msg.Bcc, routing.RoleBcc)
	return targets
}

// ProcessMessage runs Process and discards the report. It never panics.
func (b *Bridge) ProcessMessage(ctx context.Context, msg *email.InboundEmail) {
	if msg == nil {
		slog.Warn("ignoring nil message")
		return
	}
	messageID := msg.MessageID

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing message",
				"message_id", messageID,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	b.Process(ctx, msg)
}

// Process routes, filters, segments and delivers msg. Each room receives
// the email at most once, claimed by the first rule that admits it.
// A nil msg yields an empty report.
func (b *Bridge) Process(ctx context.Context, msg *email.InboundEmail) Report {
	if msg == nil {
		return Report{}
	}
	report := Report{MessageID: msg.MessageID}

	if b.store != nil {
		exists, err := b.store.MessageExists(ctx, msg.MessageID)
		if err != nil {
			slog.Error("failed to check for duplicate message, skipping",
				"message_id", msg.MessageID,
				"error", err,
			)
			return report
		}
		if exists {
			slog.Info("message already processed, skipping", "message_id", msg.MessageID)
			report.Duplicate = true
			return report
		}
	}

	claimed := make(map[string]bool)

	for _, target := range ExpandTargets(msg) {
		for _, rule := range b.resolver.Resolve(target.Address, target.Role) {
			if claimed[rule.RoomID] {
				continue
			}

			decision := filter.Admit(msg, &rule)
			if !decision.Accepted {
				slog.Info("message rejected for room",
					"message_id", msg.MessageID,
					"room", rule.RoomID,
					"reason", string(decision.Reason),
					"detail", decision.Detail,
				)
				report.Rooms = append(report.Rooms, RoomReport{
					RoomID: rule.RoomID,
					Target: target,
					Reason: decision.Reason,
					Detail: decision.Detail,
				})
				continue
			}

			claimed[rule.RoomID] = true
			report.Rooms = append(report.Rooms, b.deliverRoom(ctx, msg, target, rule, decision))
		}
	}

	return report
}

func (b *Bridge) deliverRoom(ctx context.Context, msg *email.InboundEmail, target Target, rule routing.Rule, decision filter.Decision) RoomReport {
	rr := RoomReport{RoomID: rule.RoomID, Target: target, Accepted: true}
	from := msg.PrimaryFrom()

	texts := segment.Split(msg.TextBody, rule.PostReplies, rule.PostEmpty)
	slog.Info("delivering message to room",
		"message_id", msg.MessageID,
		"room", rule.RoomID,
		"segments", len(texts),
		"attachments", len(decision.Attachments),
	)

	for i, text := range texts {
		kind := email.KindPrimary
		if i > 0 {
			kind = email.KindFragment
		}

		seg := &email.OutboundSegment{
			EmailID:      msg.MessageID,
			FromName:     from.Name,
			FromEmail:    from.Address,
			ToName:       target.Name,
			ToEmail:      target.Address,
			Subject:      msg.Subject,
			TextBody:     text,
			FullTextBody: msg.TextBody,
			HTMLBody:     msg.HTMLBody,
			IsHTML:       msg.IsHTML(),
			RoomID:       rule.RoomID,
			Kind:         kind,
			Date:         msg.Date,
		}

		if b.store != nil && !rule.SkipDatabase {
			seg = b.persist(ctx, seg, decision.Attachments, rule.Attachments.Post)
		}

		res := b.deliverer.Deliver(ctx, seg, rule.RoomID, kind)
		rr.Segments = append(rr.Segments, res)

		if res.Status == delivery.StatusExhausted {
			b.alert(ctx, seg, res)
		}
	}

	if rule.Attachments.Post && b.attachments != nil {
		for _, att := range decision.Attachments {
			if err := b.attachments.SendAttachment(ctx, att, rule.RoomID); err != nil {
				rr.AttachmentsFailed++
				slog.Error("failed to post attachment",
					"message_id", msg.MessageID,
					"room", rule.RoomID,
					"filename", att.Filename,
					"error", err,
				)
				continue
			}
			rr.AttachmentsPosted++
		}
	}

	return rr
}

// persist writes seg and its attachments and reads the stored copy back.
// Any failure is logged and the in-memory segment is used instead.
func (b *Bridge) persist(ctx context.Context, seg *email.OutboundSegment, attachments []email.Attachment, post bool) *email.OutboundSegment {
	id, err := b.store.WriteMessage(ctx, seg)
	if err != nil {
		slog.Error("failed to store segment",
			"message_id", seg.EmailID,
			"room", seg.RoomID,
			"error", err,
		)
		return seg
	}

	if err := b.store.WriteAttachments(ctx, id, attachments, post); err != nil {
		slog.Error("failed to store attachments",
			"message_id", seg.EmailID,
			"room", seg.RoomID,
			"error", err,
		)
	}

	stored, err := b.store.GetMessage(ctx, id)
	if err != nil {
		slog.Error("failed to read back stored segment",
			"message_id", seg.EmailID,
			"room", seg.RoomID,
			"error", err,
		)
		withID := *seg
		withID.ID = id
		return &withID
	}
	return stored
}

func (b *Bridge) alert(ctx context.Context, seg *email.OutboundSegment, res delivery.Result) {
	if b.notifier == nil {
		return
	}

	err := b.notifier.NotifyExhausted(ctx, notify.Alert{
		EmailID:    seg.EmailID,
		RoomID:     seg.RoomID,
		From:       seg.FromEmail,
		Subject:    seg.Subject,
		Date:       seg.Date,
		Attempts:   res.Attempts,
		LastStatus: res.LastStatus.StatusCode,
		Detail:     res.LastStatus.Message,
		Body:       seg.TextBody,
	})
	if err != nil {
		slog.Error("failed to send operator alert",
			"message_id", seg.EmailID,
			"room", seg.RoomID,
			"error", err,
		)
	}
}
