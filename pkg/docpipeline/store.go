package docpipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/docpipeline/engine/pkg/core"
)

// DocStoreStats is a snapshot of a DocStore's counters, exposed for a
// caller's own metrics scraping. No metrics-library dependency is
// introduced at this layer; a caller wanting Prometheus (or anything
// else) wires Stats into its own exporter.
type DocStoreStats struct {
	InFlight       int
	TotalProcessed int64
	TotalErrors    int64
}

// DocStore is the public façade over a DocumentType and a Port: the
// orchestrator that drives documents through Next/Finish and exposes
// the administrative CRUD operations.
type DocStore struct {
	port Port

	mu         sync.RWMutex
	docType    *DocumentType
	errorState string

	gate     *Gate
	logger   core.Logger
	notifier Notifier

	opsInFlight    int64
	totalProcessed int64
	totalErrors    int64
}

// Option configures a DocStore at construction time.
type Option func(*DocStore)

// WithDocumentType sets the graph documents are driven through.
func WithDocumentType(dt *DocumentType) Option {
	return func(ds *DocStore) { ds.docType = dt }
}

// WithErrorState overrides the default "error" state that failed
// transitions materialize their error document into. New and
// SetDocumentType reject a document type that does not declare it.
func WithErrorState(name string) Option {
	return func(ds *DocStore) { ds.errorState = name }
}

// WithMaxConcurrency overrides the default concurrency gate capacity.
func WithMaxConcurrency(n int) Option {
	return func(ds *DocStore) { ds.gate = NewGate(n) }
}

// WithLogger overrides the default logger.
func WithLogger(l core.Logger) Option {
	return func(ds *DocStore) { ds.logger = l }
}

// WithNotifier wires a lifecycle event sink. Defaults to NoOp.
func WithNotifier(n Notifier) Option {
	return func(ds *DocStore) { ds.notifier = n }
}

// New builds a DocStore over port, applying opts in order.
func New(port Port, opts ...Option) (*DocStore, error) {
	if port == nil {
		return nil, newError(ErrCodeConfiguration, "persistence port is required", nil)
	}
	ds := &DocStore{
		port:       port,
		errorState: "error",
		gate:       NewGate(DefaultGateCapacity),
		logger:     core.NewDefaultLogger(),
		notifier:   NoOp(),
	}
	for _, opt := range opts {
		opt(ds)
	}
	if ds.docType != nil {
		if err := validateErrorState(ds.docType, ds.errorState); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func validateErrorState(dt *DocumentType, errorState string) error {
	if !dt.HasState(errorState) {
		return newError(ErrCodeConfiguration, "document type does not declare the configured error state \""+errorState+"\"", nil)
	}
	return nil
}

// Initialize prepares the underlying persistence port (schema
// creation, connection warmup, and so on).
func (ds *DocStore) Initialize(ctx context.Context) error {
	return ds.port.Initialize(ctx)
}

// Dispose releases resources held by the gate's worker pool and the
// persistence port. It must only be called once no Next/Finish call
// is in flight.
func (ds *DocStore) Dispose(ctx context.Context) error {
	if err := ds.gate.Close(ctx); err != nil {
		ds.logger.WithContext(ctx).Warnf("gate shutdown: %v", err)
	}
	return ds.port.Dispose(ctx)
}

// SetDocumentType replaces the graph documents are driven through. It
// fails if a Next/Finish call is currently in flight, or if the
// document type's states do not include the configured error state.
func (ds *DocStore) SetDocumentType(dt *DocumentType) error {
	if atomic.LoadInt64(&ds.opsInFlight) > 0 {
		return newError(ErrCodeTransitionInProgress, ErrTransitionInProgress.Error(), ErrTransitionInProgress)
	}
	ds.mu.RLock()
	errorState := ds.errorState
	ds.mu.RUnlock()
	if err := validateErrorState(dt, errorState); err != nil {
		return err
	}
	ds.mu.Lock()
	ds.docType = dt
	ds.mu.Unlock()
	return nil
}

// DocumentType returns the graph currently driving Next/Finish.
func (ds *DocStore) DocumentType() *DocumentType {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.docType
}

// FinalStateNames returns the final states of the current document
// type, or an empty set if none has been configured.
func (ds *DocStore) FinalStateNames() map[string]struct{} {
	dt := ds.DocumentType()
	if dt == nil {
		return map[string]struct{}{}
	}
	return dt.FinalStateNames()
}

// Stats returns a snapshot of the store's counters.
func (ds *DocStore) Stats() DocStoreStats {
	return DocStoreStats{
		InFlight:       ds.gate.InFlight(),
		TotalProcessed: atomic.LoadInt64(&ds.totalProcessed),
		TotalErrors:    atomic.LoadInt64(&ds.totalErrors),
	}
}

func (ds *DocStore) beginOp() { atomic.AddInt64(&ds.opsInFlight, 1) }
func (ds *DocStore) endOp()   { atomic.AddInt64(&ds.opsInFlight, -1) }

// --- administrative CRUD -----------------------------------------------

func defaulted(doc Document) Document {
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	if doc.MediaType == "" {
		doc.MediaType = DefaultMediaType
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return doc
}

// Add inserts one or more root or pre-linked documents and returns the
// persisted copies (with defaults applied).
func (ds *DocStore) Add(ctx context.Context, docs ...Document) ([]Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	prepared := make([]Document, len(docs))
	for i, d := range docs {
		if d.State == "" {
			return nil, newError(ErrCodeConfiguration, "document state is required", nil)
		}
		prepared[i] = defaulted(d)
	}
	ids, err := ds.port.InsertMany(ctx, prepared)
	if err != nil {
		return nil, newError(ErrCodePersistence, "insert failed", err)
	}
	for i, id := range ids {
		prepared[i].ID = id
		if prepared[i].ParentID != nil {
			if err := ds.port.AppendChild(ctx, *prepared[i].ParentID, id); err != nil {
				return nil, newError(ErrCodePersistence, "append_child failed", err)
			}
		}
	}
	return prepared, nil
}

// AddOne is Add for a single document.
func (ds *DocStore) AddOne(ctx context.Context, doc Document) (Document, error) {
	docs, err := ds.Add(ctx, doc)
	if err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

// GetByID fetches a single document by id, or nil if it does not exist.
func (ds *DocStore) GetByID(ctx context.Context, id DocumentID, includeContent bool) (*Document, error) {
	doc, err := ds.port.Get(ctx, id, includeContent)
	if err != nil {
		return nil, newError(ErrCodePersistence, "get failed", err)
	}
	return doc, nil
}

// GetByState fetches every document currently sitting in state.
func (ds *DocStore) GetByState(ctx context.Context, state string, includeContent bool) ([]Document, error) {
	docs, err := ds.port.GetByState(ctx, state, includeContent)
	if err != nil {
		return nil, newError(ErrCodePersistence, "get_by_state failed", err)
	}
	return docs, nil
}

// GetBatch fetches a set of documents by id, in the same order as ids.
func (ds *DocStore) GetBatch(ctx context.Context, ids []DocumentID, includeContent bool) ([]Document, error) {
	docs, err := ds.port.GetBatch(ctx, ids, includeContent)
	if err != nil {
		return nil, newError(ErrCodePersistence, "get_batch failed", err)
	}
	return docs, nil
}

// List fetches documents matching filter.
func (ds *DocStore) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	docs, err := ds.port.List(ctx, filter)
	if err != nil {
		return nil, newError(ErrCodePersistence, "list failed", err)
	}
	return docs, nil
}

// Update applies patch to the document identified by id and returns
// the updated copy. It fails with ErrNotFound if id does not exist.
func (ds *DocStore) Update(ctx context.Context, id DocumentID, patch Patch) (Document, error) {
	doc, err := ds.port.Update(ctx, id, patch)
	if err != nil {
		return Document{}, newError(ErrCodePersistence, "update failed", err)
	}
	return doc, nil
}

// Delete removes a document and cascades to its descendants (I3).
func (ds *DocStore) Delete(ctx context.Context, id DocumentID) error {
	if err := ds.port.Delete(ctx, id); err != nil {
		return newError(ErrCodePersistence, "delete failed", err)
	}
	return nil
}

// Count returns the number of documents, optionally restricted to a
// single state.
func (ds *DocStore) Count(ctx context.Context, state *string) (int, error) {
	n, err := ds.port.Count(ctx, state)
	if err != nil {
		return 0, newError(ErrCodePersistence, "count failed", err)
	}
	return n, nil
}

// StreamContent streams a document's content in chunkSize-byte pieces.
// It fails with ErrNoContent if the document has no content to stream.
func (ds *DocStore) StreamContent(ctx context.Context, id DocumentID, chunkSize int) (<-chan ContentChunk, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	ch, err := ds.port.StreamContent(ctx, id, chunkSize)
	if err != nil {
		return nil, newError(ErrCodePersistence, "stream_content failed", err)
	}
	return ch, nil
}
