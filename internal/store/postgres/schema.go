package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id          TEXT         PRIMARY KEY,
    provider    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ,
    record      JSONB
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at);
`

const ddlTranscript = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    speaker  TEXT         NOT NULL,
    text     TEXT         NOT NULL,
    ts       TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_call
    ON transcript_entries (call_id, id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('portuguese', text));
`

const ddlQualificationLog = `
CREATE TABLE IF NOT EXISTS qualification_log (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    ts          TIMESTAMPTZ  NOT NULL,
    field       TEXT         NOT NULL DEFAULT '',
    old_value   TEXT         NOT NULL DEFAULT '',
    new_value   TEXT         NOT NULL DEFAULT '',
    source      TEXT         NOT NULL,
    confidence  TEXT         NOT NULL,
    note        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_qualification_log_call
    ON qualification_log (call_id, id);

CREATE INDEX IF NOT EXISTS idx_qualification_log_field
    ON qualification_log (field) WHERE field <> '';
`

// Migrate creates every table and index the store needs. All statements are
// idempotent, so it is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"calls", ddlCalls},
		{"transcript", ddlTranscript},
		{"qualification log", ddlQualificationLog},
	} {
		if _, err := pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("postgres store: migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
