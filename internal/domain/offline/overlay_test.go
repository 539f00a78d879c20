package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

func queued(t *testing.T, op Operation, at time.Time) QueuedOperation {
	t.Helper()
	q, err := NewQueuedOperation(op, "device-1", at)
	require.NoError(t, err)
	return q
}

func TestOverlay(t *testing.T) {
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	cached := []document.Document{
		{ID: "a", Fields: document.Fields{"quantity": 1}},
		{ID: "b", Fields: document.Fields{"quantity": 2}},
		{ID: "c", Fields: document.Fields{"quantity": 3}},
	}

	t.Run("no pending operations returns the snapshot unchanged", func(t *testing.T) {
		other := queued(t, Operation{Collection: "orders", Action: ActionDelete, Payload: Payload{ID: "a"}}, at)
		assert.Equal(t, cached, Overlay(cached, "cart", []QueuedOperation{other}))
	})

	t.Run("operations apply in queue order", func(t *testing.T) {
		pending := []QueuedOperation{
			queued(t, Operation{Collection: "cart", Action: ActionUpdate, Payload: Payload{ID: "a", Fields: document.Fields{"quantity": 5}}}, at),
			queued(t, Operation{Collection: "cart", Action: ActionDelete, Payload: Payload{ID: "b"}}, at),
			queued(t, Operation{Collection: "cart", Action: ActionSet, Payload: Payload{ID: "d", Fields: document.Fields{"quantity": 4}}}, at),
			queued(t, Operation{Collection: "cart", Action: ActionUpdate, Payload: Payload{ID: "missing", Fields: document.Fields{"quantity": 9}}}, at),
			queued(t, Operation{Collection: "cart", Action: ActionBatch, Payload: Payload{Items: []BatchItem{
				{ID: "c", Deleted: true},
				{ID: "e", Fields: document.Fields{"quantity": 6}},
			}}}, at),
		}

		got := Overlay(cached, "cart", pending)
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, 5, got[0].Fields["quantity"])
		assert.Equal(t, at, got[0].UpdatedAt)
		assert.Equal(t, "d", got[1].ID)
		assert.Equal(t, "e", got[2].ID)

		assert.Len(t, cached, 3, "cached snapshot is not modified")
		assert.Equal(t, 1, cached[0].Fields["quantity"])
	})

	t.Run("set replaces the whole document", func(t *testing.T) {
		set := queued(t, Operation{Collection: "cart", Action: ActionSet, Payload: Payload{ID: "a", Fields: document.Fields{"note": "gift"}}}, at)
		got := Overlay(cached, "cart", []QueuedOperation{set})
		assert.Equal(t, document.Fields{"note": "gift"}, got[0].Fields)
	})
}

func TestOperation_Validate(t *testing.T) {
	valid := []Operation{
		{Collection: "cart", Action: ActionSet, Payload: Payload{ID: "a"}},
		{Collection: "cart", Action: ActionUpdate, Payload: Payload{ID: "a", Fields: document.Fields{"q": 1}}},
		{Collection: "cart", Action: ActionDelete, Payload: Payload{ID: "a"}},
		{Collection: "cart", Action: ActionBatch, Payload: Payload{Items: []BatchItem{{ID: "a", Deleted: true}}}},
	}
	for _, op := range valid {
		assert.NoError(t, op.Validate(), op.Action)
	}

	invalid := map[string]Operation{
		"no collection":      {Action: ActionSet, Payload: Payload{ID: "a"}},
		"set without id":     {Collection: "cart", Action: ActionSet},
		"update no fields":   {Collection: "cart", Action: ActionUpdate, Payload: Payload{ID: "a"}},
		"empty batch":        {Collection: "cart", Action: ActionBatch},
		"batch item without": {Collection: "cart", Action: ActionBatch, Payload: Payload{Items: []BatchItem{{}}}},
		"unknown action":     {Collection: "cart", Action: "upsert", Payload: Payload{ID: "a"}},
	}
	for name, op := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op.Validate(), shared.ErrInvalidInput)
		})
	}
}

func TestNewQueuedOperation(t *testing.T) {
	local := time.Date(2026, 4, 1, 14, 0, 0, 0, time.FixedZone("SAST", 2*3600))
	op := Operation{Collection: "orders", Action: ActionDelete, Payload: Payload{ID: "ORD-1"}}

	q1, err := NewQueuedOperation(op, "device-1", local)
	require.NoError(t, err)
	q2, err := NewQueuedOperation(op, "device-1", local)
	require.NoError(t, err)

	assert.NotEqual(t, q1.ID, q2.ID)
	assert.Equal(t, time.UTC, q1.EnqueuedAt.Location())
	assert.True(t, local.Equal(q1.EnqueuedAt))
	assert.Equal(t, "device-1", q1.OriginDeviceID)
	assert.Equal(t, op, q1.Operation())

	_, err = NewQueuedOperation(Operation{Collection: "orders", Action: ActionDelete}, "device-1", local)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestOperation_Batch(t *testing.T) {
	op := Operation{Collection: "cart", Action: ActionBatch, Payload: Payload{Items: []BatchItem{
		{ID: "a", Fields: document.Fields{"quantity": 1}},
		{ID: "b", Deleted: true},
	}}}
	writes := op.Batch().Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, document.WriteSet, writes[0].Kind)
	assert.Equal(t, document.WriteDelete, writes[1].Kind)
	assert.Equal(t, "cart", writes[1].Collection)
}
