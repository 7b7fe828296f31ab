package notify

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoRoute is returned when no publisher is registered for a channel
var ErrNoRoute = errors.New("notify: no publisher for channel")

// Publisher sends one outbox message to its destination.
// Implementations must tolerate redelivery of the same message.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, msg *Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Router dispatches messages to a publisher by channel. When a mirror is
// set every message is also sent there after the channel publisher succeeds.
type Router struct {
	routes map[string]Publisher
	mirror Publisher
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[string]Publisher)}
}

// Route registers the publisher for a channel
func (r *Router) Route(channel string, p Publisher) *Router {
	r.routes[channel] = p
	return r
}

// Mirror sets a publisher that receives a copy of every message (e.g. a broker)
func (r *Router) Mirror(p Publisher) *Router {
	r.mirror = p
	return r
}

func (r *Router) Publish(ctx context.Context, msg *Message) error {
	p, ok := r.routes[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.Channel)
	}
	if err := p.Publish(ctx, msg); err != nil {
		return err
	}
	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, msg); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
	}
	return nil
}
