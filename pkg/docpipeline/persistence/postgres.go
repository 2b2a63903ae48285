package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docpipeline/engine/pkg/core"
	"github.com/docpipeline/engine/pkg/docpipeline"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	content     TEXT,
	media_type  TEXT NOT NULL,
	url         TEXT,
	parent_id   TEXT REFERENCES documents(id),
	cmetadata   JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq         BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_documents_state_media_type ON documents (state, media_type);
CREATE INDEX IF NOT EXISTS idx_documents_parent_state ON documents (parent_id, state);
`

// Postgres is the reference relational docpipeline.Port, backed by
// pgx's connection pool. Insert-then-link is executed in a single
// transaction so a reader never observes a child document without its
// parent link, or vice versa.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pooled connection to dsn. Call Initialize before
// first use to create the schema idempotently.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("docpipeline/persistence: connect: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Initialize(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *Postgres) Dispose(ctx context.Context) error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Insert(ctx context.Context, doc docpipeline.Document) (docpipeline.DocumentID, error) {
	ids, err := p.InsertMany(ctx, []docpipeline.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (p *Postgres) InsertMany(ctx context.Context, docs []docpipeline.Document) ([]docpipeline.DocumentID, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]docpipeline.DocumentID, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = docpipeline.NewDocumentID()
		}
		md, err := core.JSONEncode(d.Metadata)
		if err != nil {
			return nil, fmt.Errorf("docpipeline/persistence: marshal metadata: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO documents (id, state, content, media_type, url, parent_id, cmetadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(d.ID), d.State, d.Content, d.MediaType, d.URL, nullableID(d.ParentID), md,
		)
		if err != nil {
			return nil, err
		}
		ids[i] = d.ID
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func nullableID(id *docpipeline.DocumentID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func (p *Postgres) Get(ctx context.Context, id docpipeline.DocumentID, includeContent bool) (*docpipeline.Document, error) {
	row := p.pool.QueryRow(ctx, p.selectColumns(includeContent)+" FROM documents WHERE id = $1", string(id))
	doc, err := p.scanDocument(ctx, row, includeContent)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (p *Postgres) GetByState(ctx context.Context, state string, includeContent bool) ([]docpipeline.Document, error) {
	rows, err := p.pool.Query(ctx, p.selectColumns(includeContent)+" FROM documents WHERE state = $1 ORDER BY seq", state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.scanDocuments(ctx, rows, includeContent)
}

func (p *Postgres) GetBatch(ctx context.Context, ids []docpipeline.DocumentID, includeContent bool) ([]docpipeline.Document, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	rows, err := p.pool.Query(ctx, p.selectColumns(includeContent)+" FROM documents WHERE id = ANY($1) ORDER BY seq", strIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs, err := p.scanDocuments(ctx, rows, includeContent)
	if err != nil {
		return nil, err
	}
	byID := make(map[docpipeline.DocumentID]docpipeline.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]docpipeline.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *Postgres) List(ctx context.Context, filter docpipeline.ListFilter) ([]docpipeline.Document, error) {
	query := p.selectColumns(filter.IncludeContent) + " FROM documents WHERE 1=1"
	var args []any
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.LeafOnly {
		query += " AND id NOT IN (SELECT DISTINCT parent_id FROM documents WHERE parent_id IS NOT NULL)"
	}
	for k, v := range filter.Metadata {
		// v may legitimately be a literal nil (matching a JSON null stored
		// in cmetadata), which core.JSONEncode rejects as invalid input;
		// encoding/json.Marshal is kept here for that case.
		jv, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		args = append(args, k, string(jv))
		query += fmt.Sprintf(" AND cmetadata->$%d = $%d::jsonb", len(args)-1, len(args))
	}
	query += " ORDER BY seq"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return p.scanDocuments(ctx, rows, filter.IncludeContent)
}

func (p *Postgres) Update(ctx context.Context, id docpipeline.DocumentID, patch docpipeline.Patch) (docpipeline.Document, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return docpipeline.Document{}, err
	}
	defer tx.Rollback(ctx)

	if patch.Metadata != nil {
		md, err := core.JSONEncode(patch.Metadata)
		if err != nil {
			return docpipeline.Document{}, err
		}
		_, err = tx.Exec(ctx, `UPDATE documents SET cmetadata = cmetadata || $1::jsonb WHERE id = $2`, md, string(id))
		if err != nil {
			return docpipeline.Document{}, err
		}
	}

	row := tx.QueryRow(ctx, p.selectColumns(true)+" FROM documents WHERE id = $1", string(id))
	doc, err := p.scanDocument(ctx, row, true)
	if err != nil {
		if err == pgx.ErrNoRows {
			return docpipeline.Document{}, docpipeline.ErrNotFound
		}
		return docpipeline.Document{}, err
	}
	if len(patch.AppendChildren) > 0 {
		if err := p.appendChildrenTx(ctx, tx, id, patch.AppendChildren); err != nil {
			return docpipeline.Document{}, err
		}
		doc.Children = append(doc.Children, patch.AppendChildren...)
	}
	if err := tx.Commit(ctx); err != nil {
		return docpipeline.Document{}, err
	}
	return doc, nil
}

func (p *Postgres) AppendChild(ctx context.Context, parentID, childID docpipeline.DocumentID) error {
	return p.AppendChildren(ctx, parentID, []docpipeline.DocumentID{childID})
}

func (p *Postgres) AppendChildren(ctx context.Context, parentID docpipeline.DocumentID, childIDs []docpipeline.DocumentID) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := p.appendChildrenTx(ctx, tx, parentID, childIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) appendChildrenTx(ctx context.Context, tx pgx.Tx, parentID docpipeline.DocumentID, childIDs []docpipeline.DocumentID) error {
	for _, cid := range childIDs {
		if _, err := tx.Exec(ctx, `UPDATE documents SET parent_id = $1 WHERE id = $2`, string(parentID), string(cid)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id docpipeline.DocumentID) error {
	tag, err := p.pool.Exec(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM documents WHERE id = $1
			UNION ALL
			SELECT d.id FROM documents d JOIN descendants ON d.parent_id = descendants.id
		)
		DELETE FROM documents WHERE id IN (SELECT id FROM descendants)
	`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return docpipeline.ErrNotFound
	}
	return nil
}

func (p *Postgres) Count(ctx context.Context, state *string) (int, error) {
	var n int
	var err error
	if state == nil {
		err = p.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&n)
	} else {
		err = p.pool.QueryRow(ctx, `SELECT count(*) FROM documents WHERE state = $1`, *state).Scan(&n)
	}
	return n, err
}

func (p *Postgres) StreamContent(ctx context.Context, id docpipeline.DocumentID, chunkSize int) (<-chan docpipeline.ContentChunk, error) {
	var content *string
	err := p.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, string(id)).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, docpipeline.ErrNotFound
		}
		return nil, err
	}
	if content == nil {
		return nil, docpipeline.ErrNoContent
	}

	ch := make(chan docpipeline.ContentChunk)
	text := *content
	go func() {
		defer close(ch)
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			select {
			case ch <- docpipeline.ContentChunk{Data: text[i:end]}:
			case <-ctx.Done():
				ch <- docpipeline.ContentChunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func (p *Postgres) selectColumns(includeContent bool) string {
	if includeContent {
		return "SELECT id, state, content, media_type, url, parent_id, cmetadata, created_at"
	}
	return "SELECT id, state, NULL, media_type, url, parent_id, cmetadata, created_at"
}

type pgxRow interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanDocument(ctx context.Context, row pgxRow, includeContent bool) (docpipeline.Document, error) {
	var (
		id, state, mediaType string
		content, url, parent *string
		mdBytes               []byte
		createdAt              time.Time
	)
	if err := row.Scan(&id, &state, &content, &mediaType, &url, &parent, &mdBytes, &createdAt); err != nil {
		return docpipeline.Document{}, err
	}
	doc := docpipeline.Document{
		ID:        docpipeline.DocumentID(id),
		State:     state,
		Content:   content,
		MediaType: mediaType,
		URL:       url,
		CreatedAt: createdAt,
	}
	if parent != nil {
		pid := docpipeline.DocumentID(*parent)
		doc.ParentID = &pid
	}
	if len(mdBytes) > 0 {
		if err := core.JSONDecode(mdBytes, &doc.Metadata); err != nil {
			return docpipeline.Document{}, err
		}
	} else {
		doc.Metadata = map[string]any{}
	}

	childRows, err := p.pool.Query(ctx, `SELECT id FROM documents WHERE parent_id = $1 ORDER BY seq`, id)
	if err != nil {
		return docpipeline.Document{}, err
	}
	defer childRows.Close()
	for childRows.Next() {
		var cid string
		if err := childRows.Scan(&cid); err != nil {
			return docpipeline.Document{}, err
		}
		doc.Children = append(doc.Children, docpipeline.DocumentID(cid))
	}
	return doc, nil
}

func (p *Postgres) scanDocuments(ctx context.Context, rows pgx.Rows, includeContent bool) ([]docpipeline.Document, error) {
	var out []docpipeline.Document
	for rows.Next() {
		doc, err := p.scanDocument(ctx, rows, includeContent)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
