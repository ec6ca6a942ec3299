package transfer

import (
	"context"
	"sync"
)

// lane serializes jobs for one device in arrival order.
type lane struct {
	mu    sync.Mutex
	busy  bool
	queue []chan struct{}
}

func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy {
		l.busy = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	l.queue = append(l.queue, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, t := range l.queue {
		if t == ticket {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// handed the lane concurrently with cancellation; pass it on
	l.release()
	return ctx.Err()
}

func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		l.busy = false
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	close(next)
}

type lanes struct {
	mu       sync.Mutex
	bySerial map[string]*lane
}

func (ls *lanes) get(serial string) *lane {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.bySerial == nil {
		ls.bySerial = make(map[string]*lane)
	}
	l, ok := ls.bySerial[serial]
	if !ok {
		l = &lane{}
		ls.bySerial[serial] = l
	}
	return l
}
