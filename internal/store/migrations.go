package store

// migration holds a single schema migration with its target version and the
// statements that apply it.
type migration struct {
	version    int
	statements []string
}

// sqliteMigrations is the ordered list of SQLite schema migrations.
// Each migration's version must be sequential starting from 1.
var sqliteMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	email_id       TEXT NOT NULL,
	from_name      TEXT NOT NULL DEFAULT '',
	from_email     TEXT NOT NULL DEFAULT '',
	to_name        TEXT NOT NULL DEFAULT '',
	to_email       TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	text_body      TEXT NOT NULL DEFAULT '',
	full_text_body TEXT NOT NULL DEFAULT '',
	html_body      TEXT NOT NULL DEFAULT '',
	is_html        INTEGER NOT NULL DEFAULT 0,
	room_id        TEXT NOT NULL,
	kind           TEXT NOT NULL DEFAULT 'primary',
	date           DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_email_id ON messages(email_id)`,
			`CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	content      BLOB,
	post         INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id)`,
			`INSERT INTO schema_version (version) VALUES (1)`,
		},
	},
}

// postgresMigrations mirrors sqliteMigrations with PostgreSQL types.
var postgresMigrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS messages (
	id             UUID PRIMARY KEY,
	email_id       TEXT NOT NULL,
	from_name      TEXT NOT NULL DEFAULT '',
	from_email     TEXT NOT NULL DEFAULT '',
	to_name        TEXT NOT NULL DEFAULT '',
	to_email       TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	text_body      TEXT NOT NULL DEFAULT '',
	full_text_body TEXT NOT NULL DEFAULT '',
	html_body      TEXT NOT NULL DEFAULT '',
	is_html        BOOLEAN NOT NULL DEFAULT FALSE,
	room_id        TEXT NOT NULL,
	kind           TEXT NOT NULL DEFAULT 'primary',
	date           TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_email_id ON messages(email_id)`,
			`CREATE TABLE IF NOT EXISTS attachments (
	id           UUID PRIMARY KEY,
	message_id   UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	content      BYTEA,
	post         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
			`CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id)`,
			`INSERT INTO schema_version (version) VALUES (1)`,
		},
	},
}
