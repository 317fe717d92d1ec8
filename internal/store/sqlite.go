package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shineum/mail2room/internal/email"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:"
	// databases from being split across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// MessageExists reports whether a segment of emailID has been stored.
func (s *SQLiteStore) MessageExists(ctx context.Context, emailID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages WHERE email_id = ?", emailID)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", emailID, err)
	}
	return count > 0, nil
}

// WriteMessage inserts seg with a new UUID and returns the id.
func (s *SQLiteStore) WriteMessage(ctx context.Context, seg *email.OutboundSegment) (string, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, email_id, from_name, from_email, to_name, to_email,
			subject, text_body, full_text_body, html_body, is_html,
			room_id, kind, date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, seg.EmailID, seg.FromName, seg.FromEmail, seg.ToName, seg.ToEmail,
		seg.Subject, seg.TextBody, seg.FullTextBody, seg.HTMLBody, boolToInt(seg.IsHTML),
		seg.RoomID, seg.Kind.String(), seg.Date.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("writing message for %s: %w", seg.EmailID, err)
	}

	return id, nil
}

// WriteAttachments inserts attachments for messageID in one transaction.
func (s *SQLiteStore) WriteAttachments(ctx context.Context, messageID string, attachments []email.Attachment, post bool) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO attachments (id, message_id, filename, content_type, content, post, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing attachment statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, att := range attachments {
		_, err := stmt.ExecContext(ctx,
			uuid.New().String(), messageID, att.Filename, att.ContentType, att.Content, boolToInt(post), now,
		)
		if err != nil {
			return fmt.Errorf("writing attachment %s: %w", att.Filename, err)
		}
	}

	return tx.Commit()
}

// GetMessage retrieves a stored segment by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*email.OutboundSegment, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, email_id, from_name, from_email, to_name, to_email,
			subject, text_body, full_text_body, html_body, is_html,
			room_id, kind, date
		FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	return row.segment(), nil
}

// messageRow is the scan target for a messages row.
type messageRow struct {
	ID           string    `db:"id"`
	EmailID      string    `db:"email_id"`
	FromName     string    `db:"from_name"`
	FromEmail    string    `db:"from_email"`
	ToName       string    `db:"to_name"`
	ToEmail      string    `db:"to_email"`
	Subject      string    `db:"subject"`
	TextBody     string    `db:"text_body"`
	FullTextBody string    `db:"full_text_body"`
	HTMLBody     string    `db:"html_body"`
	IsHTML       int       `db:"is_html"`
	RoomID       string    `db:"room_id"`
	Kind         string    `db:"kind"`
	Date         time.Time `db:"date"`
}

func (r messageRow) segment() *email.OutboundSegment {
	return &email.OutboundSegment{
		ID:           r.ID,
		EmailID:      r.EmailID,
		FromName:     r.FromName,
		FromEmail:    r.FromEmail,
		ToName:       r.ToName,
		ToEmail:      r.ToEmail,
		Subject:      r.Subject,
		TextBody:     r.TextBody,
		FullTextBody: r.FullTextBody,
		HTMLBody:     r.HTMLBody,
		IsHTML:       r.IsHTML != 0,
		RoomID:       r.RoomID,
		Kind:         email.ParseSegmentKind(r.Kind),
		Date:         r.Date,
	}
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
