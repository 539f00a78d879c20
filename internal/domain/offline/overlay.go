package offline

import (
	"github.com/samber/lo"

	"github.com/storefront/backend/internal/domain/document"
)

// Overlay applies the pending operations of collection, in queue order, on top
// of a cached snapshot. The result is a projection for display only and is
// never written back to the cache.
func Overlay(docs []document.Document, collection string, pending []QueuedOperation) []document.Document {
	ops := lo.Filter(pending, func(op QueuedOperation, _ int) bool {
		return op.Collection == collection
	})
	if len(ops) == 0 {
		return docs
	}

	out := document.CloneAll(docs)
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[d.ID] = i
	}
	put := func(doc document.Document) {
		if i, ok := index[doc.ID]; ok {
			out[i] = doc
			return
		}
		index[doc.ID] = len(out)
		out = append(out, doc)
	}
	remove := func(id string) {
		i, ok := index[id]
		if !ok {
			return
		}
		out = append(out[:i], out[i+1:]...)
		delete(index, id)
		for j := i; j < len(out); j++ {
			index[out[j].ID] = j
		}
	}

	for _, op := range ops {
		switch op.Action {
		case ActionSet:
			put(document.Document{ID: op.Payload.ID, Fields: op.Payload.Fields.Clone(), UpdatedAt: op.EnqueuedAt})
		case ActionUpdate:
			if i, ok := index[op.Payload.ID]; ok {
				doc := out[i]
				doc.Fields = doc.Fields.Merge(op.Payload.Fields)
				doc.UpdatedAt = op.EnqueuedAt
				out[i] = doc
			}
		case ActionDelete:
			remove(op.Payload.ID)
		case ActionBatch:
			for _, item := range op.Payload.Items {
				if item.Deleted {
					remove(item.ID)
					continue
				}
				put(document.Document{ID: item.ID, Fields: item.Fields.Clone(), UpdatedAt: op.EnqueuedAt})
			}
		}
	}
	return out
}
