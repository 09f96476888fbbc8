package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("dispatch loop stopped")

// Loop runs posted closures one at a time on a single goroutine. All client
// state (snapshots, presence) is touched only from inside the loop, so no
// locking is needed; work that blocks must run elsewhere and Post its
// result back.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

func NewLoop(queue int) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "dispatch").Interface("panic", r).Msg("task panicked")
		}
	}()
	fn()
}

// Post queues fn without waiting. It returns ErrStopped once the loop has
// exited.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it. Never call Do from inside the
// loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
