package client

import (
	"sync"

	"collabhub/pkg/types"
)

// pendingRequests matches replies to requests by request id.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan *types.Envelope
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]chan *types.Envelope)}
}

func (p *pendingRequests) add(id string) <-chan *types.Envelope {
	ch := make(chan *types.Envelope, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingRequests) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve hands env to its waiter, reporting whether one was found.
func (p *pendingRequests) resolve(env *types.Envelope) bool {
	if env.RequestID == "" {
		return false
	}

	p.mu.Lock()
	ch, ok := p.waiters[env.RequestID]
	delete(p.waiters, env.RequestID)
	p.mu.Unlock()

	if ok {
		ch <- env
	}
	return ok
}

// failAll closes every waiter; a closed channel means the connection dropped.
func (p *pendingRequests) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
