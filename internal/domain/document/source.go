package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/storefront/backend/internal/domain/shared"
)

// SnapshotFunc receives the complete current document set of a listened query.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives listener errors. A listener that reported an error is dead.
type ErrorFunc func(err error)

// Listener is a live change subscription against a Source.
type Listener interface {
	// Stop ends delivery. No callback starts after Stop returns; one already
	// running may still finish.
	Stop()
}

// Source is the authoritative remote document store.
//
// Implementations return errors matching shared.ErrUnavailable when the store
// cannot be reached, and shared.ErrNotFound, shared.ErrConflict,
// shared.ErrPermissionDenied or shared.ErrRejected when it refuses a request.
type Source interface {
	// Get returns the documents of collection matching q. The zero Query
	// returns the whole collection.
	Get(ctx context.Context, collection string, q Query) ([]Document, error)
	// GetDoc returns a single document or shared.ErrNotFound.
	GetDoc(ctx context.Context, collection, id string) (Document, error)
	// Set creates or replaces a document.
	Set(ctx context.Context, collection string, doc Document) error
	// Update merges fields into an existing document. Missing documents are
	// rejected with shared.ErrNotFound.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// Delete removes a document. Deleting a missing document succeeds.
	Delete(ctx context.Context, collection, id string) error
	// Commit applies every operation of b atomically.
	Commit(ctx context.Context, b *Batch) error
	// Listen delivers the full result of q on establishment and again after
	// every change to collection. Callbacks of one listener never overlap and
	// arrive in the order the store produced them.
	Listen(ctx context.Context, collection string, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Listener, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// ValidateCollection rejects empty or malformed collection names.
func ValidateCollection(name string) error {
	if strings.TrimSpace(name) == "" {
		return shared.NewDomainError("INVALID_INPUT", "collection name is required")
	}
	if strings.ContainsAny(name, ":/ ") {
		return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("invalid collection name %q", name))
	}
	return nil
}
