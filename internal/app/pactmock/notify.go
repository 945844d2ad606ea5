package pactmock

import (
	"sync"
	"time"
)

// notify broadcasts to every waiter that a request has been recorded.
type notify struct {
	notify chan struct{}
	mu     sync.Mutex
}

func newNotify() *notify {
	return &notify{
		notify: make(chan struct{}),
	}
}

func (n *notify) Wait(timeout time.Duration) {
	n.mu.Lock()
	notify := n.notify
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	}
}

func (n *notify) Notify() {
	n.mu.Lock()
	close(n.notify)
	n.notify = make(chan struct{})
	n.mu.Unlock()
}
