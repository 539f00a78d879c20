package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// ChannelHub is an in-process registry of named broadcast channels. Engines
// in the same process open an endpoint on the same name to reach each other.
type ChannelHub struct {
	mu        sync.Mutex
	endpoints map[string]map[*HubChannel]struct{}
	logger    *zap.Logger
}

// NewChannelHub creates an empty hub
func NewChannelHub(logger *zap.Logger) *ChannelHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelHub{
		endpoints: make(map[string]map[*HubChannel]struct{}),
		logger:    logger.Named("channel-hub"),
	}
}

// Open returns a new endpoint on the named channel
func (h *ChannelHub) Open(name string) *HubChannel {
	c := &HubChannel{hub: h, name: name, subs: make(map[*mailbox]struct{})}
	h.mu.Lock()
	if h.endpoints[name] == nil {
		h.endpoints[name] = make(map[*HubChannel]struct{})
	}
	h.endpoints[name][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *ChannelHub) deliver(from *HubChannel, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.endpoints[from.name] {
		if c != from {
			c.post(msg)
		}
	}
}

func (h *ChannelHub) detach(c *HubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints[c.name], c)
	if len(h.endpoints[c.name]) == 0 {
		delete(h.endpoints, c.name)
	}
}

// HubChannel is one endpoint of a hub channel
type HubChannel struct {
	hub  *ChannelHub
	name string

	mu     sync.Mutex
	subs   map[*mailbox]struct{}
	closed bool
}

// Name implements Transport
func (c *HubChannel) Name() string {
	return "channel"
}

// Publish implements Transport
func (c *HubChannel) Publish(_ context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return shared.ErrClosed
	}
	msg.Documents = document.CloneAll(msg.Documents)
	c.hub.deliver(c, msg)
	return nil
}

func (c *HubChannel) post(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mb := range c.subs {
		mb.post(msg)
	}
}

// Subscribe implements Transport
func (c *HubChannel) Subscribe(h Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, shared.ErrClosed
	}
	mb := newMailbox(h, c.hub.logger)
	c.subs[mb] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.subs, mb)
		c.mu.Unlock()
		mb.close()
	}, nil
}

// Close implements Transport
func (c *HubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[*mailbox]struct{})
	c.mu.Unlock()

	c.hub.detach(c)
	for mb := range subs {
		mb.close()
	}
	return nil
}

var _ Transport = (*HubChannel)(nil)
