package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Receiver accepts wire bytes for one peer. Deliver must not block and
// returns false when the peer no longer accepts messages.
type Receiver interface {
	Deliver(data []byte) bool
}

// ErrUnknownMember is returned when broadcasting from an id that never joined.
var ErrUnknownMember = errors.New("transport: unknown hub member")

// Option configures a Hub or WebSocket.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	concurrency int
	readLimit   int64
	sendQueue   int
}

func defaultOptions() options {
	return options{logger: zap.NewNop(), concurrency: -1, readLimit: 1 << 20, sendQueue: 256}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConcurrency caps concurrent deliveries per broadcast. Non-positive
// means unlimited.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithReadLimit sets the largest websocket frame accepted.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.readLimit = n
		}
	}
}

// WithSendQueue sets how many frames may wait for one websocket
// connection before it is dropped as too slow.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// Hub is an in-memory peer set.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	members map[string]Receiver
	opts    options
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Hub{members: make(map[string]Receiver), opts: o}
}

// Join adds r under id, replacing any previous member with that id.
func (h *Hub) Join(id string, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[id] = r
}

// Leave removes id.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, id)
}

// Members returns the joined ids in sorted order.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast delivers data to every member except from. Deliveries run
// concurrently; each receiver gets its own copy. A member that refuses
// delivery is logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, from string, data []byte) error {
	h.mu.RLock()
	if _, ok := h.members[from]; !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownMember, from)
	}
	targets := make(map[string]Receiver, len(h.members)-1)
	for id, r := range h.members {
		if id != from {
			targets[id] = r
		}
	}
	h.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.concurrency)
	for id, r := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			if !r.Deliver(cp) {
				h.opts.logger.Debug("delivery refused",
					zap.String("from", from),
					zap.String("to", id),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Link returns the Transport a member uses to broadcast.
func (h *Hub) Link(id string) *Link {
	return &Link{hub: h, id: id}
}

// Link binds a hub to one sending member.
type Link struct {
	hub *Hub
	id  string
}

// Broadcast delivers data to every other hub member.
func (l *Link) Broadcast(ctx context.Context, data []byte) error {
	return l.hub.Broadcast(ctx, l.id, data)
}
