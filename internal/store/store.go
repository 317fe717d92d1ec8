// Package store persists outbound segments and their attachments so that
// repeated deliveries of the same email can be detected.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/mail2room/internal/email"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Store defines the persistence interface for outbound segments.
type Store interface {
	// MessageExists reports whether any segment of the email identified by
	// emailID has been stored.
	MessageExists(ctx context.Context, emailID string) (bool, error)

	// WriteMessage stores seg and returns its new durable id.
	WriteMessage(ctx context.Context, seg *email.OutboundSegment) (string, error)

	// WriteAttachments stores attachments under messageID. post records
	// whether the room posts attachments.
	WriteAttachments(ctx context.Context, messageID string, attachments []email.Attachment, post bool) error

	// GetMessage reads back a stored segment.
	GetMessage(ctx context.Context, id string) (*email.OutboundSegment, error)

	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// URL is the PostgreSQL connection string.
	URL string `yaml:"url"`
}

// Open creates the store selected by cfg.Driver. It returns a nil Store and
// no error for the "none" driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverSQLite, "":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
