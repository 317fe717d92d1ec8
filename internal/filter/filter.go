// Package filter decides whether a destination rule admits an inbound
// message and which of its attachments the rule keeps.
package filter

import (
	"fmt"
	"strings"

	"github.com/shineum/mail2room/internal/email"
	"github.com/shineum/mail2room/internal/routing"
)

// Reason identifies the check that rejected a message.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonSpamScore        Reason = "spam_score"
	ReasonDKIM             Reason = "dkim"
	ReasonSPF              Reason = "spf"
	ReasonSenderNotAllowed Reason = "sender_not_allowed"
	ReasonSenderBlocked    Reason = "sender_blocked"
)

// Decision is the outcome of Admit. Attachments is only populated when the
// message is accepted.
type Decision struct {
	Accepted    bool
	Reason      Reason
	Detail      string
	Attachments []email.Attachment
}

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Admit evaluates rule against msg. Checks run in a fixed order and the
// first failing check determines the reason.
func Admit(msg *email.InboundEmail, rule *routing.Rule) Decision {
	if d, ok := checkAntispam(msg, rule.Antispam); !ok {
		return d
	}

	if !rule.AllowFromAnyone {
		allowed := newAddressSet(rule.AllowedSenders)
		for _, from := range msg.From {
			addr := normalize(from.Address)
			if addr == "" {
				continue
			}
			if !allowed[addr] {
				return reject(ReasonSenderNotAllowed, "%s is not in the allowed senders list", from.Address)
			}
		}
	}

	blocked := newAddressSet(rule.BlockedSenders)
	for _, from := range msg.From {
		addr := normalize(from.Address)
		if addr != "" && blocked[addr] {
			return reject(ReasonSenderBlocked, "%s is in the blocked senders list", from.Address)
		}
	}

	return Decision{
		Accepted:    true,
		Attachments: KeepAttachments(msg.Attachments, rule.Attachments),
	}
}

func checkAntispam(msg *email.InboundEmail, policy *routing.AntispamPolicy) (Decision, bool) {
	if policy == nil {
		return Decision{}, true
	}
	if policy.MaxScore > 0 && policy.MaxScore <= msg.SpamScore {
		return reject(ReasonSpamScore, "spam score %.2f reaches limit %.2f", msg.SpamScore, policy.MaxScore), false
	}
	if policy.BlockFailedDKIM && msg.DKIM != email.VerdictPass {
		return reject(ReasonDKIM, "dkim verdict %q", msg.DKIM), false
	}
	if policy.BlockFailedSPF && msg.SPF != email.VerdictPass {
		return reject(ReasonSPF, "spf verdict %q", msg.SPF), false
	}
	return Decision{}, true
}

// KeepAttachments returns the attachments allowed by policy, in their
// original order. Content types are compared as exact strings.
func KeepAttachments(attachments []email.Attachment, policy routing.AttachmentPolicy) []email.Attachment {
	if len(attachments) == 0 {
		return nil
	}

	allowed := newTypeSet(policy.AllowedTypes)
	blocked := newTypeSet(policy.BlockedTypes)

	var kept []email.Attachment
	for _, att := range attachments {
		if !policy.AllowAllTypes && !allowed[att.ContentType] {
			continue
		}
		if blocked[att.ContentType] {
			continue
		}
		kept = append(kept, att)
	}
	return kept
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func newAddressSet(addrs []string) map[string]bool {
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if n := normalize(a); n != "" {
			set[n] = true
		}
	}
	return set
}

func newTypeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
