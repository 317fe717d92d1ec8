// Package routing maps recipient addresses onto destination room rules.
package routing

import (
	"fmt"
	"strings"
)

// Role is the header a recipient address was found in.
type Role string

const (
	RoleTo  Role = "to"
	RoleCc  Role = "cc"
	RoleBcc Role = "bcc"
)

// AllRoles lists the roles in the order targets are expanded.
var AllRoles = []Role{RoleTo, RoleCc, RoleBcc}

// ParseRole validates a role name, ignoring case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTo:
		return RoleTo, nil
	case RoleCc:
		return RoleCc, nil
	case RoleBcc:
		return RoleBcc, nil
	}
	return "", fmt.Errorf("unknown recipient role %q", s)
}

// AntispamPolicy rejects messages by spam score or failed authentication.
type AntispamPolicy struct {
	// MaxScore rejects messages scoring at or above it. Zero disables the
	// score check.
	MaxScore        float64 `yaml:"max_score"`
	BlockFailedDKIM bool    `yaml:"block_failed_dkim"`
	BlockFailedSPF  bool    `yaml:"block_failed_spf"`
}

// AttachmentPolicy controls which attachments are kept and whether they are
// posted to the room.
type AttachmentPolicy struct {
	AllowAllTypes bool     `yaml:"allow_all_types"`
	AllowedTypes  []string `yaml:"allowed_types"`
	BlockedTypes  []string `yaml:"blocked_types"`
	Post          bool     `yaml:"post"`

	// ContentMapping maps a content type onto a chat message type, for
	// example "image/png" to "m.image". Unmapped types are posted as files.
	ContentMapping map[string]string `yaml:"content_mapping"`
}

// RoomFormat holds the templates used to render posts for a room.
type RoomFormat struct {
	MessageFormat  string `yaml:"message_format"`
	FragmentFormat string `yaml:"fragment_format"`
	PlaintextOnly  bool   `yaml:"plaintext_only"`

	// MarkdownBody renders the email body as Markdown instead of literal
	// text, for senders that write Markdown.
	MarkdownBody bool `yaml:"markdown_body"`
}

// Rule is a single destination: a room plus the policy applied to mail
// routed there.
type Rule struct {
	RoomID string `yaml:"room_id"`

	// Addresses are matched case-insensitively. An entry of the form
	// "*@example.com" matches every address in that domain.
	Addresses []string `yaml:"addresses"`

	// Roles restricts the rule to the listed headers. Empty means all.
	Roles []Role `yaml:"roles"`

	Antispam        *AntispamPolicy  `yaml:"antispam"`
	AllowFromAnyone bool             `yaml:"allow_from_anyone"`
	AllowedSenders  []string         `yaml:"allowed_senders"`
	BlockedSenders  []string         `yaml:"blocked_senders"`
	Attachments     AttachmentPolicy `yaml:"attachments"`

	PostReplies  bool `yaml:"post_replies"`
	PostEmpty    bool `yaml:"post_empty"`
	SkipDatabase bool `yaml:"skip_database"`

	Format RoomFormat `yaml:"format"`
}

// Validate checks that the rule names a room and only uses known roles.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return fmt.Errorf("rule is missing room_id")
	}
	if len(r.Addresses) == 0 {
		return fmt.Errorf("rule for room %s has no addresses", r.RoomID)
	}
	for _, role := range r.Roles {
		if _, err := ParseRole(string(role)); err != nil {
			return fmt.Errorf("rule for room %s: %w", r.RoomID, err)
		}
	}
	return nil
}

// appliesTo reports whether the rule accepts recipients found under role.
func (r *Rule) appliesTo(role Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, candidate := range r.Roles {
		if Role(strings.ToLower(string(candidate))) == role {
			return true
		}
	}
	return false
}
