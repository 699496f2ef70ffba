package session

import (
	"context"
	"sync"
	"time"
)

// Transition reports a status change.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

type transitionDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Transition
	nextID      int64
	bufferSize  int
}

func newTransitionDispatcher() *transitionDispatcher {
	return &transitionDispatcher{
		subscribers: make(map[int64]chan Transition),
		bufferSize:  16,
	}
}

func (d *transitionDispatcher) subscribe(ctx context.Context) (<-chan Transition, func()) {
	stream := make(chan Transition, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// publish never blocks; slow subscribers miss transitions.
func (d *transitionDispatcher) publish(transition Transition) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers {
		select {
		case stream <- transition:
		default:
		}
	}
}
