// Package docpipeline implements a persistent, concurrent document
// processing pipeline: documents move through a state graph by way of
// transitions, each transition running a caller-supplied function under
// a bounded concurrency gate, with every hop durably recorded through a
// pluggable persistence port.
package docpipeline

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMediaType is assigned to a Document when none is given.
const DefaultMediaType = "text/plain"

// DocumentID identifies a Document. It is an opaque string, generated
// as a UUID by NewDocumentID unless a caller supplies its own.
type DocumentID string

// NewDocumentID generates a fresh, globally unique document identifier.
func NewDocumentID() DocumentID {
	return DocumentID(uuid.New().String())
}

// Document is a single node in a processing lineage: a piece of content
// (or a pointer to content via URL) sitting in some named State, with
// at most one parent and an ordered list of children produced from it.
type Document struct {
	ID        DocumentID     `json:"id"`
	State     string         `json:"state"`
	Content   *string        `json:"content,omitempty"`
	MediaType string         `json:"media_type"`
	URL       *string        `json:"url,omitempty"`
	ParentID  *DocumentID    `json:"parent_id,omitempty"`
	Children  []DocumentID   `json:"children"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"-"`
}

// IsRoot reports whether the document has no parent.
func (d Document) IsRoot() bool {
	return d.ParentID == nil
}

// HasChildren reports whether the document has produced any children.
func (d Document) HasChildren() bool {
	return len(d.Children) > 0
}

// Clone returns a deep copy, so a caller (or a processing function) can
// mutate the result without aliasing the version held by the store.
func (d Document) Clone() Document {
	out := d
	if d.Content != nil {
		c := *d.Content
		out.Content = &c
	}
	if d.URL != nil {
		u := *d.URL
		out.URL = &u
	}
	if d.ParentID != nil {
		p := *d.ParentID
		out.ParentID = &p
	}
	if d.Children != nil {
		out.Children = append([]DocumentID(nil), d.Children...)
	}
	if d.Metadata != nil {
		md := make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}
	return out
}

func cloneMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// State is a named vertex in a DocumentType's graph. Equality is by
// Name; lookup sites accept either a State value or a bare name.
type State struct {
	Name string
}

func (s State) String() string {
	return s.Name
}
