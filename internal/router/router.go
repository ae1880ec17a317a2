// Package router dispatches messages from the single wildcard
// subscription to per-topic receivers. paho supports one callback per
// subscription and a wildcard subscription can overwrite callbacks for
// specific topics, so the relay routes on its own.
package router

import (
	"sync"

	"github.com/agrisense/edgesync/internal/edgesync"
)

// Receiver takes and processes an incoming Message.
type Receiver interface {
	Receive(msg edgesync.Message)
}

// Func adapts a plain function to the Receiver interface.
type Func func(msg edgesync.Message)

func (f Func) Receive(msg edgesync.Message) {
	f(msg)
}

func New() *Router {
	return &Router{exact: make(map[string][]Receiver)}
}

// Router matches topics exactly; the topic "#" registers a catch-all
// that sees every message.
type Router struct {
	mu       sync.RWMutex
	exact    map[string][]Receiver
	catchAll []Receiver
}

func (r *Router) Add(topic string, h Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic == "#" {
		r.catchAll = append(r.catchAll, h)
		return
	}
	r.exact[topic] = append(r.exact[topic], h)
}

// Receive forwards msg to all receivers registered for its topic and to
// every catch-all receiver.
func (r *Router) Receive(msg edgesync.Message) {
	r.mu.RLock()
	handlers := r.exact[msg.Topic]
	catchAll := r.catchAll
	r.mu.RUnlock()

	for _, h := range handlers {
		h.Receive(msg)
	}
	for _, h := range catchAll {
		h.Receive(msg)
	}
}
