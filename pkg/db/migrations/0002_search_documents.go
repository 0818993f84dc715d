package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSearchDocuments, downSearchDocuments)
}

// search_documents backs the Postgres full-text engine; sqlite installs
// fall back to substring search and skip it.
const searchDocumentsDDL = `
CREATE TABLE IF NOT EXISTS search_documents (
	content_type text NOT NULL,
	object_id bigint NOT NULL,
	title text NOT NULL DEFAULT '',
	description text NOT NULL DEFAULT '',
	url text NOT NULL DEFAULT '',
	global boolean NOT NULL DEFAULT true,
	document tsvector NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (content_type, object_id)
);
CREATE INDEX IF NOT EXISTS idx_search_documents_document ON search_documents USING GIN (document);
`

func upSearchDocuments(ctx context.Context, tx *sql.Tx) error {
	if currentDialect() == "sqlite" {
		return nil
	}
	_, err := tx.ExecContext(ctx, searchDocumentsDDL)
	return err
}

func downSearchDocuments(ctx context.Context, tx *sql.Tx) error {
	if currentDialect() == "sqlite" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS search_documents`)
	return err
}
