// Package parser converts raw RFC 5322 messages into inbound emails.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/shineum/mail2room/internal/email"
)

var (
	dkimResultRE = regexp.MustCompile(`(?i)\bdkim=([a-z]+)`)
	spfResultRE  = regexp.MustCompile(`(?i)\bspf=([a-z]+)`)
	spamStatusRE = regexp.MustCompile(`(?i)\bscore=(-?[0-9]+(?:\.[0-9]+)?)`)
)

// Parse parses a raw message. Text is derived from the HTML part for
// HTML-only mail. Headers that are missing or malformed fall back to empty
// values, and a missing Message-Id is replaced by a generated one.
func Parse(raw []byte) (*email.InboundEmail, error) {
	return parse(raw, time.Now())
}

func parse(raw []byte, received time.Time) (*email.InboundEmail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	for _, perr := range env.Errors {
		slog.Warn("problem while parsing MIME structure",
			"error", perr.Error(),
		)
	}

	msg := &email.InboundEmail{
		MessageID:   strings.TrimSpace(env.GetHeader("Message-Id")),
		From:        addressList(env, "From"),
		To:          addressList(env, "To"),
		Cc:          addressList(env, "Cc"),
		Bcc:         addressList(env, "Bcc"),
		Subject:     env.GetHeader("Subject"),
		TextBody:    env.Text,
		HTMLBody:    env.HTML,
		ContentType: contentType(env.GetHeader("Content-Type")),
		SpamScore:   spamScore(env),
		Date:        received,
	}

	if msg.MessageID == "" {
		msg.MessageID = "<" + uuid.NewString() + "@mail2room>"
		slog.Debug("message has no Message-Id, generated one", "message_id", msg.MessageID)
	}

	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	msg.DKIM, msg.SPF = verdicts(env)

	for _, part := range env.Attachments {
		msg.Attachments = append(msg.Attachments, attachment(part, true))
	}
	for _, parts := range [][]*enmime.Part{env.Inlines, env.OtherParts} {
		for _, part := range parts {
			if part.FileName == "" {
				continue
			}
			msg.Attachments = append(msg.Attachments, attachment(part, false))
		}
	}

	return msg, nil
}

func attachment(part *enmime.Part, nameFallback bool) email.Attachment {
	filename := part.FileName
	if filename == "" && nameFallback {
		filename = "attachment"
		if _, sub, ok := strings.Cut(part.ContentType, "/"); ok && sub != "" {
			filename += "." + sub
		}
	}
	return email.Attachment{
		Filename:    filename,
		ContentType: part.ContentType,
		Content:     part.Content,
	}
}

// contentType returns the media type of the top-level Content-Type header,
// defaulting to text/plain.
func contentType(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "text/plain"
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", raw,
			"error", err,
		)
		return "text/plain"
	}
	return mediaType
}

// addressList parses the address header key. Lists that are not valid
// RFC 5322 fall back to a comma split.
func addressList(env *enmime.Envelope, key string) []email.Address {
	list, err := env.AddressList(key)
	if err == nil {
		out := make([]email.Address, 0, len(list))
		for _, a := range list {
			out = append(out, email.Address{Name: a.Name, Address: a.Address})
		}
		return out
	}
	if errors.Is(err, mail.ErrHeaderNotPresent) {
		return nil
	}

	raw := env.GetHeader(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	slog.Debug("failed to parse address list, splitting on commas",
		"header", key,
		"error", err,
	)

	var out []email.Address
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.Trim(strings.TrimSpace(p), "<>"); trimmed != "" {
			out = append(out, email.Address{Address: trimmed})
		}
	}
	return out
}

// verdicts reads the DKIM and SPF results recorded by the receiving MTA.
func verdicts(env *enmime.Envelope) (dkim, spf email.Verdict) {
	dkim, spf = email.VerdictNone, email.VerdictNone

	var dkimFound, spfFound bool
	for _, header := range env.GetHeaderValues("Authentication-Results") {
		if m := dkimResultRE.FindStringSubmatch(header); m != nil && !dkimFound {
			dkim, dkimFound = email.ParseVerdict(m[1]), true
		}
		if m := spfResultRE.FindStringSubmatch(header); m != nil && !spfFound {
			spf, spfFound = email.ParseVerdict(m[1]), true
		}
	}

	if !spfFound {
		if fields := strings.Fields(env.GetHeader("Received-SPF")); len(fields) > 0 {
			spf = email.ParseVerdict(fields[0])
		}
	}
	return dkim, spf
}

func spamScore(env *enmime.Envelope) float64 {
	if raw := strings.TrimSpace(env.GetHeader("X-Spam-Score")); raw != "" {
		if score, err := strconv.ParseFloat(raw, 64); err == nil {
			return score
		}
	}
	if m := spamStatusRE.FindStringSubmatch(env.GetHeader("X-Spam-Status")); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			return score
		}
	}
	return 0
}
