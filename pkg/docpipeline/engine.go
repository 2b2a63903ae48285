package docpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docpipeline/engine/pkg/core"
)

// ensureRequestID stamps a fresh request id onto ctx if the caller
// didn't already set one, so every log line a Next/Finish call emits
// (via Logger.WithContext) can be correlated back to a single drive.
func ensureRequestID(ctx context.Context) context.Context {
	if core.GetRequestID(ctx) != "" {
		return ctx
	}
	return core.WithNewRequestID(ctx)
}

// Next advances each of docs by one hop: every transition whose
// FromState matches a document's current state fires (fan-on-edges),
// each invocation admitted through the concurrency gate and run
// concurrently with the others. It returns every child document
// produced, persisted, across every input document and every firing
// transition. A processing function's own error never surfaces here —
// it is captured and persisted as an error document instead; only
// persistence failures and context cancellation are returned.
func (ds *DocStore) Next(ctx context.Context, docs ...Document) ([]Document, error) {
	ds.beginOp()
	defer ds.endOp()
	ctx = ensureRequestID(ctx)

	dt := ds.DocumentType()
	if dt == nil {
		return nil, newError(ErrCodeConfiguration, "document type not set", nil)
	}

	type hop struct {
		doc Document
		t   Transition
	}
	var hops []hop
	for _, doc := range docs {
		for _, t := range dt.TransitionsFrom(doc.State) {
			hops = append(hops, hop{doc: doc, t: t})
		}
	}
	if len(hops) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		results  []Document
		wg       sync.WaitGroup
		firstErr error
	)
	for _, h := range hops {
		wg.Add(1)
		go func(h hop) {
			defer wg.Done()
			children, err := ds.runHop(ctx, h.doc, h.t, dt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results = append(results, children...)
		}(h)
	}
	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// Finish drives docs to completion: it repeatedly calls Next on every
// document not yet in a final state, in waves, until the worklist is
// empty. It returns every document that reached a final state. A
// persistence error or context cancellation aborts the drive and
// returns the documents finished so far alongside the error.
func (ds *DocStore) Finish(ctx context.Context, docs ...Document) ([]Document, error) {
	ds.beginOp()
	defer ds.endOp()
	ctx = ensureRequestID(ctx)

	dt := ds.DocumentType()
	if dt == nil {
		return nil, newError(ErrCodeConfiguration, "document type not set", nil)
	}

	var finished []Document
	worklist := append([]Document(nil), docs...)

	for len(worklist) > 0 {
		var active []Document
		for _, d := range worklist {
			if dt.IsFinal(d.State) {
				finished = append(finished, d)
			} else {
				active = append(active, d)
			}
		}
		if len(active) == 0 {
			break
		}
		children, err := ds.Next(ctx, active...)
		if err != nil {
			return finished, err
		}
		worklist = children
	}

	for _, d := range finished {
		ds.notifyBestEffort(ctx, Event{Kind: EventFinishCompleted, Document: d, Timestamp: time.Now()})
	}
	return finished, nil
}

// runHop executes a single transition against a single document:
// acquire a gate permit, invoke the processing function, persist its
// result (or, on failure, an error document), and publish a lifecycle
// event. The returned error is non-nil only for persistence failures
// or context cancellation — a processing-function failure is captured,
// not returned.
func (ds *DocStore) runHop(ctx context.Context, doc Document, t Transition, dt *DocumentType) ([]Document, error) {
	children, procErr := ds.gate.Run(ctx, t.offload, func(hopCtx context.Context) ([]Document, error) {
		return t.Process(hopCtx, doc.Clone())
	})

	if procErr != nil {
		if errors.Is(procErr, context.Canceled) || errors.Is(procErr, context.DeadlineExceeded) {
			return nil, procErr
		}

		atomic.AddInt64(&ds.totalErrors, 1)
		ds.logger.WithContext(ctx).Warnf("transition %s->%s failed for %s: %v", t.FromState, t.ToState, doc.ID, procErr)
		errDoc := ds.synthesizeErrorDocument(doc, t, procErr)
		persisted, err := ds.persistChildren(ctx, doc.ID, []Document{errDoc})
		if err != nil {
			return nil, err
		}
		ds.notifyBestEffort(ctx, Event{Kind: EventTransitionFailed, Document: persisted[0], Timestamp: time.Now()})
		return persisted, nil
	}

	for i := range children {
		if children[i].State == "" {
			children[i].State = t.ToState
		}
	}
	persisted, err := ds.persistChildren(ctx, doc.ID, children)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&ds.totalProcessed, 1)
	for _, c := range persisted {
		ds.notifyBestEffort(ctx, Event{Kind: EventDocumentCreated, Document: c, Timestamp: time.Now()})
	}
	return persisted, nil
}

// persistChildren stamps parentID on every child and inserts them with
// one InsertMany call, in which each adapter records the parent link
// as part of the insert; the AppendChildren call that follows is a
// no-op for children already linked.
func (ds *DocStore) persistChildren(ctx context.Context, parentID DocumentID, children []Document) ([]Document, error) {
	if len(children) == 0 {
		return nil, nil
	}
	parent := parentID
	prepared := make([]Document, len(children))
	for i, c := range children {
		c.ParentID = &parent
		prepared[i] = defaulted(c)
	}
	ids, err := ds.port.InsertMany(ctx, prepared)
	if err != nil {
		return nil, newError(ErrCodePersistence, "insert_many failed", err)
	}
	for i, id := range ids {
		prepared[i].ID = id
	}
	if err := ds.port.AppendChildren(ctx, parentID, ids); err != nil {
		return nil, newError(ErrCodePersistence, "append_children failed", err)
	}
	return prepared, nil
}

func (ds *DocStore) synthesizeErrorDocument(doc Document, t Transition, procErr error) Document {
	errorState := ds.errorState
	md := cloneMetadata(doc.Metadata)
	md["error"] = procErr.Error()
	md["error_type"] = fmt.Sprintf("%T", procErr)
	md["failed_transition"] = fmt.Sprintf("%s->%s", t.FromState, t.ToState)
	content := procErr.Error()
	return Document{
		State:     errorState,
		Content:   &content,
		MediaType: DefaultMediaType,
		Metadata:  md,
	}
}

func (ds *DocStore) notifyBestEffort(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			ds.logger.WithContext(ctx).Warnf("notifier panicked: %v", r)
		}
	}()
	ds.notifier.Notify(ctx, ev)
}
