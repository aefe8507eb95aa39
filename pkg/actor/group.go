package actor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Group owns one Mailbox per key. Tasks for the same key run in order; tasks for
// different keys run concurrently.
type Group struct {
	parent context.Context
	log    *zap.SugaredLogger

	mu     sync.Mutex
	boxes  map[string]*Mailbox
	closed bool
}

// NewGroup creates an empty group.
func NewGroup(parent context.Context, log *zap.SugaredLogger) *Group {
	return &Group{
		parent: parent,
		log:    log,
		boxes:  make(map[string]*Mailbox),
	}
}

// Post runs task on key's mailbox, creating it on first use.
func (g *Group) Post(key string, task Task) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	box, ok := g.boxes[key]
	if !ok {
		box = NewMailbox(g.parent, key, g.log)
		g.boxes[key] = box
	}
	g.mu.Unlock()

	return box.Post(task)
}

// Remove closes key's mailbox after the tasks already queued have run.
func (g *Group) Remove(key string) {
	g.mu.Lock()
	box, ok := g.boxes[key]
	delete(g.boxes, key)
	g.mu.Unlock()

	if ok {
		box.Drain()
	}
}

// Len returns the number of live mailboxes.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.boxes)
}

// Close closes every mailbox and rejects further posts.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	boxes := g.boxes
	g.boxes = make(map[string]*Mailbox)
	g.mu.Unlock()

	for _, box := range boxes {
		box.Close()
	}
}
