package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trionyx/pkg/db"
)

// Postgres keeps a weighted tsvector per entity in search_documents.
type Postgres struct {
	pool   *pgxpool.Pool
	config string
}

// NewPostgres returns an engine on pool using the text search
// configuration cfg ("simple" when empty).
func NewPostgres(pool *pgxpool.Pool, cfg string) *Postgres {
	if cfg == "" {
		cfg = "simple"
	}
	return &Postgres{pool: pool, config: cfg}
}

// documentSQL builds the tsvector expression of doc. Weighted text is
// passed as arguments starting at $next.
func documentSQL(config string, doc Document, next int) (string, []any) {
	weights := make([]string, 0, len(doc.Weighted))
	for w := range doc.Weighted {
		weights = append(weights, w)
	}
	sort.Strings(weights)
	if len(weights) == 0 {
		return "''::tsvector", nil
	}
	parts := make([]string, 0, len(weights))
	args := make([]any, 0, len(weights))
	for _, w := range weights {
		parts = append(parts, fmt.Sprintf("setweight(to_tsvector('%s', $%d), '%s')", config, next, w))
		args = append(args, doc.Weighted[w])
		next++
	}
	return strings.Join(parts, " || "), args
}

const upsertDocument = `
INSERT INTO search_documents (content_type, object_id, title, description, url, global, document, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, %s, now())
ON CONFLICT (content_type, object_id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	url = EXCLUDED.url,
	global = EXCLUDED.global,
	document = EXCLUDED.document,
	updated_at = now()`

// Index implements Engine.
func (p *Postgres) Index(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, doc := range docs {
		expr, extra := documentSQL(p.config, doc, 7)
		args := append([]any{doc.ContentType, int64(doc.ObjectID), doc.Title, doc.Description, doc.URL, doc.Global}, extra...)
		batch.Queue(fmt.Sprintf(upsertDocument, expr), args...)
	}
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: index: %v", ErrUnavailable, err)
	}
	return nil
}

// Remove implements Engine.
func (p *Postgres) Remove(ctx context.Context, contentType string, id uint64) error {
	_, err := db.Exec(ctx, p.pool, `DELETE FROM search_documents WHERE content_type = $1 AND object_id = $2`, contentType, int64(id))
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrUnavailable, err)
	}
	return nil
}

// Match implements Engine.
func (p *Postgres) Match(ctx context.Context, contentType, term string, limit int) ([]uint64, error) {
	query := fmt.Sprintf(`
SELECT object_id FROM search_documents, plainto_tsquery('%s', $2) q
WHERE content_type = $1 AND document @@ q
ORDER BY ts_rank(document, q) DESC, object_id DESC
LIMIT $3`, p.config)
	var ids []int64
	if err := db.Select(ctx, p.pool, &ids, query, contentType, term, limit); err != nil {
		return nil, fmt.Errorf("%w: match: %v", ErrUnavailable, err)
	}
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out, nil
}

// Global implements Engine.
func (p *Postgres) Global(ctx context.Context, term string, limit int) ([]Result, error) {
	query := fmt.Sprintf(`
SELECT content_type, object_id, title, description, url, ts_rank(document, q) AS rank
FROM search_documents, plainto_tsquery('%s', $1) q
WHERE global AND document @@ q
ORDER BY rank DESC, updated_at DESC
LIMIT $2`, p.config)
	var out []Result
	if err := db.Select(ctx, p.pool, &out, query, term, limit); err != nil {
		return nil, fmt.Errorf("%w: global: %v", ErrUnavailable, err)
	}
	return out, nil
}
