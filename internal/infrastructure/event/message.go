package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
)

// Message announces a fresh snapshot of one collection to sibling engines
// sharing the same profile.
type Message struct {
	Collection     string              `json:"collection"`
	Documents      []document.Document `json:"documents"`
	SourceDeviceID string              `json:"sourceDeviceId"`
	Sequence       uint64              `json:"sequence"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Handler receives broadcast messages
type Handler func(msg Message)

// Transport moves messages between engines. A transport never delivers a
// message back to the endpoint that published it.
type Transport interface {
	// Name identifies the transport in status reports
	Name() string
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h. Messages are delivered in publish order.
	Subscribe(h Handler) (cancel func(), err error)
	Close() error
}

// mailbox delivers messages to one handler in order on its own goroutine.
type mailbox struct {
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Message
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func newMailbox(h Handler, logger *zap.Logger) *mailbox {
	mb := &mailbox{
		handler: h,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) post(msg Message) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.queue = append(mb.queue, msg)
	select {
	case mb.wake <- struct{}{}:
	default:
	}
	mb.mu.Unlock()
}

func (mb *mailbox) run() {
	defer close(mb.done)
	for range mb.wake {
		for {
			mb.mu.Lock()
			if mb.closed {
				mb.mu.Unlock()
				return
			}
			if len(mb.queue) == 0 {
				mb.mu.Unlock()
				break
			}
			msg := mb.queue[0]
			mb.queue = mb.queue[1:]
			mb.mu.Unlock()
			safeHandle(mb.logger, mb.handler, msg)
		}
	}
}

func (mb *mailbox) close() {
	mb.stopped.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		mb.queue = nil
		close(mb.wake)
		mb.mu.Unlock()
	})
}

// safeHandle runs h and contains panics.
func safeHandle(logger *zap.Logger, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Broadcast handler panicked",
				zap.String("collection", msg.Collection),
				zap.Any("panic", r))
		}
	}()
	h(msg)
}
