package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/mail2room/internal/email"
)

// PostgresStore implements the Store interface on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dbURL, verifies the connection and applies
// pending migrations.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, errors.New("postgres store requires a connection URL")
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')",
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	currentVersion := 0
	if exists {
		if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range postgresMigrations {
		if m.version <= currentVersion {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// MessageExists reports whether a segment of emailID has been stored.
func (s *PostgresStore) MessageExists(ctx context.Context, emailID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM messages WHERE email_id = $1)", emailID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", emailID, err)
	}
	return exists, nil
}

// WriteMessage inserts seg with a new UUID and returns the id.
func (s *PostgresStore) WriteMessage(ctx context.Context, seg *email.OutboundSegment) (string, error) {
	id := uuid.New().String()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, email_id, from_name, from_email, to_name, to_email,
			subject, text_body, full_text_body, html_body, is_html,
			room_id, kind, date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, seg.EmailID, seg.FromName, seg.FromEmail, seg.ToName, seg.ToEmail,
		seg.Subject, seg.TextBody, seg.FullTextBody, seg.HTMLBody, seg.IsHTML,
		seg.RoomID, seg.Kind.String(), seg.Date.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to write message for %s: %w", seg.EmailID, err)
	}

	return id, nil
}

// WriteAttachments inserts attachments for messageID in one batch.
func (s *PostgresStore) WriteAttachments(ctx context.Context, messageID string, attachments []email.Attachment, post bool) error {
	if len(attachments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, att := range attachments {
		batch.Queue(`
			INSERT INTO attachments (id, message_id, filename, content_type, content, post)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New().String(), messageID, att.Filename, att.ContentType, att.Content, post,
		)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write attachments for %s: %w", messageID, err)
	}
	return nil
}

// GetMessage retrieves a stored segment by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*email.OutboundSegment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrMessageNotFound
	}

	var (
		seg  email.OutboundSegment
		kind string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, email_id, from_name, from_email, to_name, to_email,
			subject, text_body, full_text_body, html_body, is_html,
			room_id, kind, date
		FROM messages WHERE id = $1`, id,
	).Scan(
		&seg.ID, &seg.EmailID, &seg.FromName, &seg.FromEmail, &seg.ToName, &seg.ToEmail,
		&seg.Subject, &seg.TextBody, &seg.FullTextBody, &seg.HTMLBody, &seg.IsHTML,
		&seg.RoomID, &kind, &seg.Date,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	seg.Kind = email.ParseSegmentKind(kind)
	return &seg, nil
}
