// Package actor runs tasks one at a time, in submission order, on a dedicated goroutine.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"squadx/pkg/queue"
)

// ErrClosed is returned when posting to a closed mailbox.
var ErrClosed = errors.New("mailbox closed")

// Task is a unit of work executed on a mailbox goroutine. ctx is cancelled when the
// mailbox closes.
type Task func(ctx context.Context)

// Mailbox is an unbounded ordered task queue drained by a single goroutine.
type Mailbox struct {
	name   string
	tasks  *queue.Queue[Task]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    *zap.SugaredLogger

	closeOnce sync.Once
}

// NewMailbox starts a mailbox whose tasks run with a context derived from parent.
func NewMailbox(parent context.Context, name string, log *zap.SugaredLogger) *Mailbox {
	ctx, cancel := context.WithCancel(parent)
	m := &Mailbox{
		name:   name,
		tasks:  queue.New[Task](0, nil),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		task, ok := m.tasks.Dequeue()
		if !ok {
			return
		}
		if m.ctx.Err() != nil {
			continue
		}
		m.exec(task)
	}
}

func (m *Mailbox) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("mailbox task panicked", "mailbox", m.name, "panic", r)
		}
	}()
	task(m.ctx)
}

// Post enqueues task. It never blocks.
func (m *Mailbox) Post(task Task) error {
	if !m.tasks.Enqueue(task) {
		return fmt.Errorf("%s: %w", m.name, ErrClosed)
	}
	return nil
}

// Call posts fn and waits for its result. Must not be used from a task running on
// the same mailbox.
func (m *Mailbox) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	if err := m.Post(func(taskCtx context.Context) {
		res <- fn(taskCtx)
	}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-res:
			return err
		default:
			return fmt.Errorf("%s: %w", m.name, ErrClosed)
		}
	}
}

// Pending returns the number of queued tasks.
func (m *Mailbox) Pending() int {
	return m.tasks.Len()
}

// Close stops accepting tasks, cancels the task context and discards queued work.
// It does not wait; use Done for that.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.tasks.Close(true)
	})
}

// Drain stops accepting tasks but lets already queued ones finish first.
func (m *Mailbox) Drain() {
	m.closeOnce.Do(func() {
		m.tasks.Close(false)
		go func() {
			<-m.done
			m.cancel()
		}()
	})
}

// Done is closed once the worker goroutine has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}
