package docpipeline

import "context"

// ListFilter narrows a List query. A zero-value filter (all fields
// empty) matches every document.
type ListFilter struct {
	State          string
	LeafOnly       bool
	Metadata       map[string]any
	IncludeContent bool
}

// Patch describes a partial update to apply via Port.Update. Metadata
// keys are merged into the existing metadata map (set to nil to
// leave it untouched); AppendChildren extends the children list.
type Patch struct {
	Metadata       map[string]any
	AppendChildren []DocumentID
}

// ContentChunk is one piece of a streamed document body. Err is set
// (with Data empty) on the final value sent if streaming failed
// partway through; the channel is always closed after an error value.
type ContentChunk struct {
	Data string
	Err  error
}

// Port is the persistence abstraction every DocStore is built on: CRUD
// plus the lineage operations (append_child/append_children) needed to
// keep a document's Children list and a child's ParentID consistent.
// Implementations must make Insert-then-AppendChild (or InsertMany
// followed by AppendChildren) durable and atomic: a reader must never
// observe a child document that exists without also being linked from
// its parent, or vice versa.
type Port interface {
	Initialize(ctx context.Context) error
	Dispose(ctx context.Context) error

	Insert(ctx context.Context, doc Document) (DocumentID, error)
	InsertMany(ctx context.Context, docs []Document) ([]DocumentID, error)

	Get(ctx context.Context, id DocumentID, includeContent bool) (*Document, error)
	GetByState(ctx context.Context, state string, includeContent bool) ([]Document, error)
	GetBatch(ctx context.Context, ids []DocumentID, includeContent bool) ([]Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, error)

	Update(ctx context.Context, id DocumentID, patch Patch) (Document, error)
	AppendChild(ctx context.Context, parentID, childID DocumentID) error
	AppendChildren(ctx context.Context, parentID DocumentID, childIDs []DocumentID) error

	Delete(ctx context.Context, id DocumentID) error
	Count(ctx context.Context, state *string) (int, error)

	StreamContent(ctx context.Context, id DocumentID, chunkSize int) (<-chan ContentChunk, error)
}
