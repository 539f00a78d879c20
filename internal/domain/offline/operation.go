package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// Action is the kind of write a queued operation replays.
type Action string

const (
	ActionSet    Action = "set"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionBatch  Action = "batch"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	switch a {
	case ActionSet, ActionUpdate, ActionDelete, ActionBatch:
		return true
	}
	return false
}

// BatchItem is one document of a batch write. Deleted items are removed.
type BatchItem struct {
	ID      string          `json:"id"`
	Fields  document.Fields `json:"fields,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Payload carries the data of a write intent.
type Payload struct {
	ID     string          `json:"id,omitempty"`
	Fields document.Fields `json:"fields,omitempty"`
	Items  []BatchItem     `json:"items,omitempty"`
}

// Operation is a write intent against one collection.
type Operation struct {
	Collection string  `json:"collection"`
	Action     Action  `json:"action"`
	Payload    Payload `json:"payload"`
}

// Validate checks that the payload fits the action.
func (o Operation) Validate() error {
	if err := document.ValidateCollection(o.Collection); err != nil {
		return err
	}
	switch o.Action {
	case ActionSet, ActionDelete:
		if o.Payload.ID == "" {
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("%s requires a document id", o.Action))
		}
	case ActionUpdate:
		if o.Payload.ID == "" {
			return shared.NewDomainError("INVALID_INPUT", "update requires a document id")
		}
		if len(o.Payload.Fields) == 0 {
			return shared.NewDomainError("INVALID_INPUT", "update requires at least one field")
		}
	case ActionBatch:
		if len(o.Payload.Items) == 0 {
			return shared.NewDomainError("INVALID_INPUT", "batch requires at least one item")
		}
		for i, item := range o.Payload.Items {
			if item.ID == "" {
				return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("batch item %d has no document id", i))
			}
		}
	default:
		return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown action %q", o.Action))
	}
	return nil
}

// Apply performs the write against src. Batches are committed atomically.
func (o Operation) Apply(ctx context.Context, src document.Source) error {
	switch o.Action {
	case ActionSet:
		return src.Set(ctx, o.Collection, document.Document{ID: o.Payload.ID, Fields: o.Payload.Fields.Clone()})
	case ActionUpdate:
		return src.Update(ctx, o.Collection, o.Payload.ID, o.Payload.Fields)
	case ActionDelete:
		return src.Delete(ctx, o.Collection, o.Payload.ID)
	case ActionBatch:
		return src.Commit(ctx, o.Batch())
	}
	return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown action %q", o.Action))
}

// Batch converts a batch payload into a document batch.
func (o Operation) Batch() *document.Batch {
	b := document.NewBatch()
	for _, item := range o.Payload.Items {
		if item.Deleted {
			b.Delete(o.Collection, item.ID)
			continue
		}
		b.Set(o.Collection, document.Document{ID: item.ID, Fields: item.Fields})
	}
	return b
}

// QueuedOperation is a write intent awaiting confirmation by the remote store.
// It is never modified after it has been enqueued.
type QueuedOperation struct {
	ID             string    `json:"id"`
	Sequence       uint64    `json:"seq"`
	Collection     string    `json:"collection"`
	Action         Action    `json:"action"`
	Payload        Payload   `json:"payload"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	OriginDeviceID string    `json:"originDeviceId"`
}

// NewQueuedOperation stamps op with a fresh id and the enqueue time.
func NewQueuedOperation(op Operation, deviceID string, now time.Time) (QueuedOperation, error) {
	if err := op.Validate(); err != nil {
		return QueuedOperation{}, err
	}
	return QueuedOperation{
		ID:             uuid.NewString(),
		Collection:     op.Collection,
		Action:         op.Action,
		Payload:        op.Payload,
		EnqueuedAt:     now.UTC(),
		OriginDeviceID: deviceID,
	}, nil
}

// Operation returns the write intent carried by q.
func (q QueuedOperation) Operation() Operation {
	return Operation{Collection: q.Collection, Action: q.Action, Payload: q.Payload}
}
