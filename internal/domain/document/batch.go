package document

import (
	"fmt"
	"time"

	"github.com/storefront/backend/internal/domain/shared"
)

// WriteKind identifies a single write inside a Batch.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// Write is one operation of a Batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     Fields
	CreatedAt  time.Time
}

// Batch collects writes that must be applied all-or-nothing.
type Batch struct {
	writes []Write
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set adds a create-or-replace of doc.
func (b *Batch) Set(collection string, doc Document) *Batch {
	b.writes = append(b.writes, Write{
		Kind:       WriteSet,
		Collection: collection,
		ID:         doc.ID,
		Fields:     doc.Fields.Clone(),
		CreatedAt:  doc.CreatedAt,
	})
	return b
}

// Update adds a merge of fields into an existing document.
func (b *Batch) Update(collection, id string, fields Fields) *Batch {
	b.writes = append(b.writes, Write{Kind: WriteUpdate, Collection: collection, ID: id, Fields: fields.Clone()})
	return b
}

// Delete adds a removal.
func (b *Batch) Delete(collection, id string) *Batch {
	b.writes = append(b.writes, Write{Kind: WriteDelete, Collection: collection, ID: id})
	return b
}

// Writes returns the queued writes in insertion order.
func (b *Batch) Writes() []Write {
	return append([]Write(nil), b.writes...)
}

// Len returns the number of writes.
func (b *Batch) Len() int {
	return len(b.writes)
}

// Validate checks that every write names a collection and a document.
func (b *Batch) Validate() error {
	for i, w := range b.writes {
		if err := ValidateCollection(w.Collection); err != nil {
			return err
		}
		if w.ID == "" {
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("batch write %d has no document id", i))
		}
	}
	return nil
}
