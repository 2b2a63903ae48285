// Package persistence provides reference implementations of
// docpipeline.Port: an in-process map-backed adapter, a PostgreSQL
// adapter built on pgx, and a generic database/sql adapter usable with
// either the lib/pq or mattn/go-sqlite3 driver.
package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docpipeline/engine/pkg/docpipeline"
)

// Memory is an in-process docpipeline.Port backed by a map guarded by
// a RWMutex. It has no durability across restarts; it is meant for
// embedding callers that accept that tradeoff, and for tests.
type Memory struct {
	mu      sync.RWMutex
	docs    map[docpipeline.DocumentID]docpipeline.Document
	seq     int64
	seqByID map[docpipeline.DocumentID]int64
}

// NewMemory creates an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[docpipeline.DocumentID]docpipeline.Document),
		seqByID: make(map[docpipeline.DocumentID]int64),
	}
}

func (m *Memory) Initialize(ctx context.Context) error { return nil }
func (m *Memory) Dispose(ctx context.Context) error     { return nil }

func (m *Memory) Insert(ctx context.Context, doc docpipeline.Document) (docpipeline.DocumentID, error) {
	ids, err := m.InsertMany(ctx, []docpipeline.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (m *Memory) InsertMany(ctx context.Context, docs []docpipeline.Document) ([]docpipeline.DocumentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]docpipeline.DocumentID, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = docpipeline.NewDocumentID()
		}
		if _, exists := m.docs[d.ID]; exists {
			return nil, docpipeline.ErrAlreadyExists
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
		d.Children = append([]docpipeline.DocumentID(nil), d.Children...)
		m.seq++
		m.seqByID[d.ID] = m.seq
		m.docs[d.ID] = d
		if d.ParentID != nil {
			if parent, ok := m.docs[*d.ParentID]; ok {
				linked := false
				for _, cid := range parent.Children {
					if cid == d.ID {
						linked = true
						break
					}
				}
				if !linked {
					parent.Children = append(parent.Children, d.ID)
					m.docs[*d.ParentID] = parent
				}
			}
		}
		ids[i] = d.ID
	}
	return ids, nil
}

func (m *Memory) Get(ctx context.Context, id docpipeline.DocumentID, includeContent bool) (*docpipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	out := m.project(doc, includeContent)
	return &out, nil
}

func (m *Memory) GetByState(ctx context.Context, state string, includeContent bool) ([]docpipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []docpipeline.Document
	for _, d := range m.sortedDocs() {
		if d.State == state {
			out = append(out, m.project(d, includeContent))
		}
	}
	return out, nil
}

func (m *Memory) GetBatch(ctx context.Context, ids []docpipeline.DocumentID, includeContent bool) ([]docpipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]docpipeline.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out = append(out, m.project(d, includeContent))
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, filter docpipeline.ListFilter) ([]docpipeline.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []docpipeline.Document
	for _, d := range m.sortedDocs() {
		if filter.State != "" && d.State != filter.State {
			continue
		}
		if filter.LeafOnly && d.HasChildren() {
			continue
		}
		if !metadataMatches(d.Metadata, filter.Metadata) {
			continue
		}
		out = append(out, m.project(d, filter.IncludeContent))
	}
	return out, nil
}

func metadataMatches(docMD, wanted map[string]any) bool {
	for k, v := range wanted {
		if docMD[k] != v {
			return false
		}
	}
	return true
}

func (m *Memory) Update(ctx context.Context, id docpipeline.DocumentID, patch docpipeline.Patch) (docpipeline.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return docpipeline.Document{}, docpipeline.ErrNotFound
	}
	if patch.Metadata != nil {
		md := make(map[string]any, len(d.Metadata)+len(patch.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		for k, v := range patch.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	if len(patch.AppendChildren) > 0 {
		d.Children = append(d.Children, patch.AppendChildren...)
	}
	m.docs[id] = d
	return d, nil
}

func (m *Memory) AppendChild(ctx context.Context, parentID, childID docpipeline.DocumentID) error {
	return m.AppendChildren(ctx, parentID, []docpipeline.DocumentID{childID})
}

func (m *Memory) AppendChildren(ctx context.Context, parentID docpipeline.DocumentID, childIDs []docpipeline.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.docs[parentID]
	if !ok {
		return docpipeline.ErrNotFound
	}

	existing := make(map[docpipeline.DocumentID]struct{}, len(parent.Children))
	for _, id := range parent.Children {
		existing[id] = struct{}{}
	}
	for _, cid := range childIDs {
		if _, already := existing[cid]; already {
			continue
		}
		parent.Children = append(parent.Children, cid)
		existing[cid] = struct{}{}
	}
	m.docs[parentID] = parent

	for _, cid := range childIDs {
		child, ok := m.docs[cid]
		if !ok {
			continue
		}
		pid := parentID
		child.ParentID = &pid
		m.docs[cid] = child
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, id docpipeline.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return docpipeline.ErrNotFound
	}
	m.deleteCascade(id)
	return nil
}

func (m *Memory) deleteCascade(id docpipeline.DocumentID) {
	doc, ok := m.docs[id]
	if !ok {
		return
	}
	for _, cid := range doc.Children {
		m.deleteCascade(cid)
	}
	delete(m.docs, id)
	delete(m.seqByID, id)
}

func (m *Memory) Count(ctx context.Context, state *string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state == nil {
		return len(m.docs), nil
	}
	n := 0
	for _, d := range m.docs {
		if d.State == *state {
			n++
		}
	}
	return n, nil
}

func (m *Memory) StreamContent(ctx context.Context, id docpipeline.DocumentID, chunkSize int) (<-chan docpipeline.ContentChunk, error) {
	m.mu.RLock()
	doc, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, docpipeline.ErrNotFound
	}
	if doc.Content == nil {
		return nil, docpipeline.ErrNoContent
	}

	ch := make(chan docpipeline.ContentChunk)
	content := *doc.Content
	go func() {
		defer close(ch)
		for i := 0; i < len(content); i += chunkSize {
			end := i + chunkSize
			if end > len(content) {
				end = len(content)
			}
			select {
			case ch <- docpipeline.ContentChunk{Data: content[i:end]}:
			case <-ctx.Done():
				ch <- docpipeline.ContentChunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

// project returns a copy of doc, stripping Content when includeContent
// is false, matching the projection rule every adapter honors.
func (m *Memory) project(doc docpipeline.Document, includeContent bool) docpipeline.Document {
	out := doc.Clone()
	if !includeContent {
		out.Content = nil
	}
	return out
}

func (m *Memory) sortedDocs() []docpipeline.Document {
	out := make([]docpipeline.Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seqByID[out[i].ID] < m.seqByID[out[j].ID]
	})
	return out
}
