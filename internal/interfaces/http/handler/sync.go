package handler

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/infrastructure/cache"
	"github.com/storefront/backend/internal/infrastructure/queue"
	"github.com/storefront/backend/internal/infrastructure/scheduler"
)

// SyncEngine is the part of the sync engine exposed over HTTP
type SyncEngine interface {
	Status(ctx context.Context) offline.SyncStatus
	Collections() []string
	Read(ctx context.Context, collection string) []document.Document
	ReadWithPending(ctx context.Context, collection string) []document.Document
	CacheEntry(ctx context.Context, collection string) (cache.Entry, bool)
	ClearCache(ctx context.Context, collection string) error
	Write(ctx context.Context, collection string, action offline.Action, payload offline.Payload) (storesync.WriteResult, error)
	PendingOperations(ctx context.Context) ([]offline.QueuedOperation, error)
	FlushQueue(ctx context.Context) queue.FlushResult
	DeadLetters(ctx context.Context) ([]queue.DeadLetter, error)
	Requeue(ctx context.Context, id string) (offline.QueuedOperation, error)
	Discard(ctx context.Context, id string) error
	Reconcile(ctx context.Context) (scheduler.RunResult, error)
	OnUpdate(collection string, fn storesync.UpdateFunc) func()
}

// SyncHandler exposes the sync engine state and its queue
type SyncHandler struct {
	BaseHandler
	engine SyncEngine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(engine SyncEngine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// CollectionResponse is the cached content of a collection
type CollectionResponse struct {
	Collection string              `json:"collection"`
	Documents  []document.Document `json:"documents"`
	// UpdatedAt is when the cache entry was last saved. It is absent when
	// nothing has been cached yet.
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	// WithPending is set when queued writes are projected onto the documents.
	WithPending bool `json:"withPending"`
}

// WriteRequest is a write intent submitted over HTTP
type WriteRequest struct {
	Action  offline.Action  `json:"action" binding:"required,oneof=set update delete batch"`
	Payload offline.Payload `json:"payload"`
}

// Status returns the derived sync status
//
//	@ID			getSyncStatus
//	@Summary		Get sync status
//	@Description	Returns the derived sync status of the engine
//	@Tags			sync
//	@Produce		json
//	@Success		200 {object} dto.Response{data=offline.SyncStatus}
//	@Router			/sync/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	h.Success(c, h.engine.Status(c.Request.Context()))
}

// Collections lists the synchronized collections
//
//	@ID			listSyncCollections
//	@Summary		List synchronized collections
//	@Tags			sync
//	@Produce		json
//	@Success		200 {object} dto.Response{data=[]string}
//	@Router			/sync/collections [get]
func (h *SyncHandler) Collections(c *gin.Context) {
	h.Success(c, h.engine.Collections())
}

// ReadCollection returns the cached documents of a collection. With
// ?pending=true queued writes are overlaid.
//
//	@ID			readSyncCollection
//	@Summary		Read a cached collection
//	@Description	Returns the cached documents of a collection, optionally with queued writes overlaid
//	@Tags			sync
//	@Produce		json
//	@Param			collection	path	string	true	"Collection name"
//	@Param			pending	query	bool	false	"Overlay queued writes"
//	@Success		200 {object} dto.Response{data=CollectionResponse}
//	@Failure		404 {object} dto.Response
//	@Router			/sync/collections/{collection} [get]
func (h *SyncHandler) ReadCollection(c *gin.Context) {
	name, ok := h.collection(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	pending, _ := strconv.ParseBool(c.Query("pending"))
	resp := CollectionResponse{Collection: name, WithPending: pending}
	if pending {
		resp.Documents = h.engine.ReadWithPending(ctx, name)
	} else {
		resp.Documents = h.engine.Read(ctx, name)
	}
	if entry, found := h.engine.CacheEntry(ctx, name); found {
		at := entry.UpdatedAt
		resp.UpdatedAt = &at
	}
	h.Success(c, resp)
}

// Write submits a write intent for a collection
//
//	@ID			writeSyncCollection
//	@Summary		Submit a write intent
//	@Description	Applies the write remotely, or queues it when the source is unreachable
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			collection	path	string	true	"Collection name"
//	@Param			request	body	WriteRequest	true	"Write intent"
//	@Success		200 {object} dto.Response{data=storesync.WriteResult}
//	@Failure		202 {object} dto.Response{data=storesync.WriteResult}
//	@Failure		400 {object} dto.Response
//	@Failure		404 {object} dto.Response
//	@Router			/sync/collections/{collection}/writes [post]
func (h *SyncHandler) Write(c *gin.Context) {
	name, ok := h.collection(c)
	if !ok {
		return
	}
	var req WriteRequest
	if !h.bindJSON(c, &req) {
		return
	}

	res, err := h.engine.Write(c.Request.Context(), name, req.Action, req.Payload)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.written(c, http.StatusOK, res.Queued, res)
}

// ClearCache drops the cache entry of ?collection=, or every entry when
// the parameter is absent.
//
//	@ID			clearSyncCache
//	@Summary		Clear cached collections
//	@Tags			sync
//	@Produce		json
//	@Param			collection	query	string	false	"Collection to clear; all when absent"
//	@Success		200 {object} dto.Response
//	@Failure		404 {object} dto.Response
//	@Router			/sync/cache [delete]
func (h *SyncHandler) ClearCache(c *gin.Context) {
	name := c.Query("collection")
	if name != "" && !slices.Contains(h.engine.Collections(), name) {
		h.NotFound(c, "unknown collection "+name)
		return
	}
	if err := h.engine.ClearCache(c.Request.Context(), name); err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"cleared": name})
}

// Queue lists the pending operations in submission order
//
//	@ID			listSyncQueue
//	@Summary		List pending operations
//	@Tags			sync-queue
//	@Produce		json
//	@Success		200 {object} dto.Response{data=[]offline.QueuedOperation}
//	@Failure		500 {object} dto.Response
//	@Router			/sync/queue [get]
func (h *SyncHandler) Queue(c *gin.Context) {
	ops, err := h.engine.PendingOperations(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ops)
}

// Flush submits the pending operations now
//
//	@ID			flushSyncQueue
//	@Summary		Flush the queue now
//	@Tags			sync-queue
//	@Produce		json
//	@Success		200 {object} dto.Response{data=queue.FlushResult}
//	@Failure		500 {object} dto.Response
//	@Router			/sync/queue/flush [post]
func (h *SyncHandler) Flush(c *gin.Context) {
	res := h.engine.FlushQueue(c.Request.Context())
	if res.Err != nil && !res.Interrupted {
		h.HandleError(c, res.Err)
		return
	}
	h.Success(c, res)
}

// DeadLetters lists operations that exhausted their attempts
//
//	@ID			listSyncDeadLetters
//	@Summary		List dead letters
//	@Tags			sync-queue
//	@Produce		json
//	@Success		200 {object} dto.Response{data=[]queue.DeadLetter}
//	@Failure		500 {object} dto.Response
//	@Router			/sync/queue/dead [get]
func (h *SyncHandler) DeadLetters(c *gin.Context) {
	dead, err := h.engine.DeadLetters(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dead)
}

// Requeue moves a dead letter back into the queue
//
//	@ID			requeueSyncDeadLetter
//	@Summary		Requeue a dead letter
//	@Tags			sync-queue
//	@Produce		json
//	@Param			id	path	string	true	"Operation ID"
//	@Success		200 {object} dto.Response{data=offline.QueuedOperation}
//	@Failure		404 {object} dto.Response
//	@Failure		409 {object} dto.Response
//	@Router			/sync/queue/dead/{id}/requeue [post]
func (h *SyncHandler) Requeue(c *gin.Context) {
	op, err := h.engine.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, op)
}

// Discard drops a dead letter
//
//	@ID			discardSyncDeadLetter
//	@Summary		Discard a dead letter
//	@Tags			sync-queue
//	@Produce		json
//	@Param			id	path	string	true	"Operation ID"
//	@Success		204
//	@Failure		404 {object} dto.Response
//	@Router			/sync/queue/dead/{id} [delete]
func (h *SyncHandler) Discard(c *gin.Context) {
	if err := h.engine.Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reconcile runs a full reconciliation now
//
//	@ID			reconcileSync
//	@Summary		Reconcile every collection now
//	@Tags			sync
//	@Produce		json
//	@Success		200 {object} dto.Response{data=scheduler.RunResult}
//	@Failure		500 {object} dto.Response
//	@Router			/sync/reconcile [post]
func (h *SyncHandler) Reconcile(c *gin.Context) {
	res, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// collection returns the :collection path parameter, answering 404 when it
// is not synchronized.
func (h *SyncHandler) collection(c *gin.Context) (string, bool) {
	name := c.Param("collection")
	if !slices.Contains(h.engine.Collections(), name) {
		h.NotFound(c, "unknown collection "+name)
		return "", false
	}
	return name, true
}
