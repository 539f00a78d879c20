package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/interfaces/http/dto"
)

// SSEMessage is one server-sent event
type SSEMessage struct {
	Event string `json:"event"`
	Data  string `json:"data"`
	ID    string `json:"id,omitempty"`
}

// SnapshotEvent carries the complete document set of a collection
type SnapshotEvent struct {
	Collection string              `json:"collection"`
	Documents  []document.Document `json:"documents"`
	Sequence   uint64              `json:"sequence"`
}

type streamClient struct {
	id         string
	collection string
	ch         chan SSEMessage
}

// StreamHandler streams collection updates to browsers over SSE
type StreamHandler struct {
	BaseHandler
	engine     SyncEngine
	logger     *zap.Logger
	heartbeat  time.Duration
	maxClients int
	bufferSize int

	ctx     context.Context
	cancel  context.CancelFunc
	clients sync.Map // map[string]*streamClient
	count   atomic.Int64
	seq     atomic.Uint64
}

// StreamOption configures a StreamHandler
type StreamOption func(*StreamHandler)

// WithStreamLogger sets the logger
func WithStreamLogger(logger *zap.Logger) StreamOption {
	return func(h *StreamHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithStreamHeartbeat sets the heartbeat interval
func WithStreamHeartbeat(interval time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithStreamMaxClients caps concurrent streams. Zero means unlimited.
func WithStreamMaxClients(limit int) StreamOption {
	return func(h *StreamHandler) {
		h.maxClients = limit
	}
}

// NewStreamHandler creates a new StreamHandler
func NewStreamHandler(engine SyncEngine, opts ...StreamOption) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &StreamHandler{
		engine:     engine,
		logger:     zap.NewNop(),
		heartbeat:  30 * time.Second,
		maxClients: 1000,
		bufferSize: 16,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Stop disconnects every stream
func (h *StreamHandler) Stop() {
	h.cancel()
	h.logger.Info("Sync stream handler stopped", zap.Int64("clients", h.count.Load()))
}

// ClientCount returns the number of connected streams
func (h *StreamHandler) ClientCount() int {
	return int(h.count.Load())
}

// Stream sends a snapshot event every time the collection changes
func (h *StreamHandler) Stream(c *gin.Context) {
	name := c.Param("collection")
	if !slices.Contains(h.engine.Collections(), name) {
		h.NotFound(c, "unknown collection "+name)
		return
	}
	if h.ctx.Err() != nil {
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeUnavailable, "Stream handler stopped")
		return
	}
	if h.maxClients > 0 && h.count.Add(1) > int64(h.maxClients) {
		h.count.Add(-1)
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeTooManyStreams, "Maximum number of streams reached")
		return
	} else if h.maxClients <= 0 {
		h.count.Add(1)
	}
	defer h.count.Add(-1)

	client := &streamClient{
		id:         uuid.New().String(),
		collection: name,
		ch:         make(chan SSEMessage, h.bufferSize),
	}
	h.clients.Store(client.id, client)
	defer h.clients.Delete(client.id)

	unsubscribe := h.engine.OnUpdate(name, func(docs []document.Document) {
		h.deliver(client, docs)
	})
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	h.logger.Info("Sync stream connected",
		zap.String("client_id", client.id),
		zap.String("collection", name))

	writeEvent(c.Writer, SSEMessage{
		Event: "connected",
		Data:  fmt.Sprintf(`{"client_id":%q,"collection":%q,"timestamp":%d}`, client.id, name, time.Now().Unix()),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			h.logger.Debug("Sync stream disconnected", zap.String("client_id", client.id))
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			writeEvent(c.Writer, SSEMessage{
				Event: "heartbeat",
				Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
			})
			c.Writer.Flush()
		case msg := <-client.ch:
			writeEvent(c.Writer, msg)
			c.Writer.Flush()
		}
	}
}

// deliver runs on the engine's update goroutine and must not block it. A
// slow client loses intermediate snapshots; each snapshot is complete, so
// the next one it receives is still correct.
func (h *StreamHandler) deliver(client *streamClient, docs []document.Document) {
	seq := h.seq.Add(1)
	data, err := json.Marshal(SnapshotEvent{Collection: client.collection, Documents: docs, Sequence: seq})
	if err != nil {
		h.logger.Error("Failed to encode snapshot", zap.String("collection", client.collection), zap.Error(err))
		return
	}
	msg := SSEMessage{Event: "snapshot", Data: string(data), ID: fmt.Sprintf("%d", seq)}
	select {
	case client.ch <- msg:
	default:
		h.logger.Warn("Stream client too slow, dropping snapshot",
			zap.String("client_id", client.id),
			zap.String("collection", client.collection))
	}
}

func writeEvent(w io.Writer, msg SSEMessage) {
	if msg.Event != "" {
		fmt.Fprintf(w, "event: %s\n", msg.Event)
	}
	if msg.ID != "" {
		fmt.Fprintf(w, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", msg.Data)
}
