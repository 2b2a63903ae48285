package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/docpipeline/engine/pkg/core"
	"github.com/docpipeline/engine/pkg/db"
	"github.com/docpipeline/engine/pkg/docpipeline"
)

const sqldbSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	content     TEXT,
	media_type  TEXT NOT NULL,
	url         TEXT,
	parent_id   TEXT,
	cmetadata   TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL,
	seq         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_documents_state_media_type ON documents (state, media_type);
CREATE INDEX IF NOT EXISTS idx_documents_parent_state ON documents (parent_id, state);
`

// SQLDB is a generic database/sql docpipeline.Port, built on the
// fail-fast connection pool wrapper in pkg/db. It is driver-agnostic:
// pass a *db.Pool opened with the lib/pq driver against Postgres, or
// the mattn/go-sqlite3 driver for an embedded single-binary
// deployment (the recommended target when exercising this adapter
// without a live server, since pgx's wire protocol cannot run against
// SQLite).
type SQLDB struct {
	pool *db.Pool
	seq  int64
}

// NewSQLDB wraps an already-configured *db.Pool.
func NewSQLDB(pool *db.Pool) *SQLDB {
	return &SQLDB{pool: pool}
}

func (s *SQLDB) Initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, sqldbSchema)
	return err
}

func (s *SQLDB) Dispose(ctx context.Context) error {
	return s.pool.Close()
}

func (s *SQLDB) Insert(ctx context.Context, doc docpipeline.Document) (docpipeline.DocumentID, error) {
	ids, err := s.InsertMany(ctx, []docpipeline.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *SQLDB) InsertMany(ctx context.Context, docs []docpipeline.Document) ([]docpipeline.DocumentID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]docpipeline.DocumentID, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = docpipeline.NewDocumentID()
		}
		md, err := core.JSONEncode(d.Metadata)
		if err != nil {
			return nil, err
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, state, content, media_type, url, parent_id, cmetadata, created_at, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(d.ID), d.State, d.Content, d.MediaType, d.URL, nullableString(d.ParentID), string(md), createdAt, s.nextSeq(),
		)
		if err != nil {
			return nil, err
		}
		ids[i] = d.ID
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// nextSeq is called concurrently: Next fans one goroutine out per
// (doc, transition) hop, each of which persists directly against the
// shared *SQLDB outside the concurrency gate.
func (s *SQLDB) nextSeq() int64 {
	return atomic.AddInt64(&s.seq, 1)
}

func nullableString(id *docpipeline.DocumentID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}

func (s *SQLDB) Get(ctx context.Context, id docpipeline.DocumentID, includeContent bool) (*docpipeline.Document, error) {
	row := s.pool.QueryRow(ctx, s.selectCols(includeContent)+" FROM documents WHERE id = ?", string(id))
	doc, err := s.scan(ctx, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (s *SQLDB) GetByState(ctx context.Context, state string, includeContent bool) ([]docpipeline.Document, error) {
	rows, err := s.pool.Query(ctx, s.selectCols(includeContent)+" FROM documents WHERE state = ? ORDER BY seq", state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(ctx, rows)
}

func (s *SQLDB) GetBatch(ctx context.Context, ids []docpipeline.DocumentID, includeContent bool) ([]docpipeline.Document, error) {
	var out []docpipeline.Document
	for _, id := range ids {
		row := s.pool.QueryRow(ctx, s.selectCols(includeContent)+" FROM documents WHERE id = ?", string(id))
		doc, err := s.scan(ctx, row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *SQLDB) List(ctx context.Context, filter docpipeline.ListFilter) ([]docpipeline.Document, error) {
	query := s.selectCols(filter.IncludeContent) + " FROM documents WHERE 1=1"
	var args []any
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if filter.LeafOnly {
		query += " AND id NOT IN (SELECT DISTINCT parent_id FROM documents WHERE parent_id IS NOT NULL)"
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	all, err := s.scanAll(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(filter.Metadata) == 0 {
		return all, nil
	}
	var out []docpipeline.Document
	for _, d := range all {
		match := true
		for k, v := range filter.Metadata {
			if d.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *SQLDB) Update(ctx context.Context, id docpipeline.DocumentID, patch docpipeline.Patch) (docpipeline.Document, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return docpipeline.Document{}, err
	}
	defer tx.Rollback()

	if patch.Metadata != nil {
		row := tx.QueryRowContext(ctx, `SELECT cmetadata FROM documents WHERE id = ?`, string(id))
		var raw string
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return docpipeline.Document{}, docpipeline.ErrNotFound
			}
			return docpipeline.Document{}, err
		}
		existing := map[string]any{}
		if raw != "" {
			if err := core.JSONDecode([]byte(raw), &existing); err != nil {
				return docpipeline.Document{}, err
			}
		}
		for k, v := range patch.Metadata {
			existing[k] = v
		}
		merged, err := core.JSONEncode(existing)
		if err != nil {
			return docpipeline.Document{}, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET cmetadata = ? WHERE id = ?`, string(merged), string(id)); err != nil {
			return docpipeline.Document{}, err
		}
	}
	for _, cid := range patch.AppendChildren {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET parent_id = ? WHERE id = ?`, string(id), string(cid)); err != nil {
			return docpipeline.Document{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return docpipeline.Document{}, err
	}
	doc, err := s.Get(ctx, id, true)
	if err != nil {
		return docpipeline.Document{}, err
	}
	if doc == nil {
		return docpipeline.Document{}, docpipeline.ErrNotFound
	}
	return *doc, nil
}

func (s *SQLDB) AppendChild(ctx context.Context, parentID, childID docpipeline.DocumentID) error {
	return s.AppendChildren(ctx, parentID, []docpipeline.DocumentID{childID})
}

func (s *SQLDB) AppendChildren(ctx context.Context, parentID docpipeline.DocumentID, childIDs []docpipeline.DocumentID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, cid := range childIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET parent_id = ? WHERE id = ?`, string(parentID), string(cid)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLDB) Delete(ctx context.Context, id docpipeline.DocumentID) error {
	var toDelete []docpipeline.DocumentID
	frontier := []docpipeline.DocumentID{id}
	for len(frontier) > 0 {
		toDelete = append(toDelete, frontier...)
		var next []docpipeline.DocumentID
		for _, pid := range frontier {
			rows, err := s.pool.Query(ctx, `SELECT id FROM documents WHERE parent_id = ?`, string(pid))
			if err != nil {
				return err
			}
			for rows.Next() {
				var cid string
				if err := rows.Scan(&cid); err != nil {
					rows.Close()
					return err
				}
				next = append(next, docpipeline.DocumentID(cid))
			}
			rows.Close()
		}
		frontier = next
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var affected int64
	for _, did := range toDelete {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, string(did))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	if affected == 0 {
		return docpipeline.ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLDB) Count(ctx context.Context, state *string) (int, error) {
	var n int
	var err error
	if state == nil {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM documents WHERE state = ?`, *state).Scan(&n)
	}
	return n, err
}

func (s *SQLDB) StreamContent(ctx context.Context, id docpipeline.DocumentID, chunkSize int) (<-chan docpipeline.ContentChunk, error) {
	var content *string
	err := s.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = ?`, string(id)).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLDB) selectCols(includeContent bool) string {
	if includeContent {
		return "SELECT id, state, content, media_type, url, parent_id, cmetadata, created_at"
	}
	return "SELECT id, state, NULL, media_type, url, parent_id, cmetadata, created_at"
}

type sqlRow interface {
	Scan(dest ...any) error
}

func (s *SQLDB) scan(ctx context.Context, row sqlRow) (docpipeline.Document, error) {
	var (
		id, state, mediaType  string
		content, url, parent  *string
		mdRaw                 string
		createdAt             time.Time
	)
	if err := row.Scan(&id, &state, &content, &mediaType, &url, &parent, &mdRaw, &createdAt); err != nil {
		return docpipeline.Document{}, err
	}
	doc := docpipeline.Document{
		ID:        docpipeline.DocumentID(id),
		State:     state,
		Content:   content,
		MediaType: mediaType,
		URL:       url,
		CreatedAt: createdAt,
		Metadata:  map[string]any{},
	}
	if parent != nil {
		pid := docpipeline.DocumentID(*parent)
		doc.ParentID = &pid
	}
	if mdRaw != "" {
		if err := core.JSONDecode([]byte(mdRaw), &doc.Metadata); err != nil {
			return docpipeline.Document{}, err
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM documents WHERE parent_id = ? ORDER BY seq`, id)
	if err != nil {
		return docpipeline.Document{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return docpipeline.Document{}, err
		}
		doc.Children = append(doc.Children, docpipeline.DocumentID(cid))
	}
	return doc, rows.Err()
}

func (s *SQLDB) scanAll(ctx context.Context, rows *sql.Rows) ([]docpipeline.Document, error) {
	var out []docpipeline.Document
	for rows.Next() {
		doc, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
