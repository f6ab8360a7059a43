package chatgpt

import (
	"fmt"
	"strings"
	"sync"
)

// Pool is the ordered set of reverse-proxy endpoints for TOKEN mode. The head
// is the endpoint in use; Rotate demotes it to the tail after a failure.
// All methods are safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	endpoints []string
}

// NewPool builds a pool from the configured defaults. A non-empty extra
// endpoint is prepended ahead of the defaults, so an operator-supplied proxy
// is tried first. The pool must end up non-empty.
func NewPool(defaults []string, extra string) (*Pool, error) {
	endpoints := make([]string, 0, len(defaults)+1)
	if trimmed := strings.TrimSpace(extra); trimmed != "" {
		endpoints = append(endpoints, trimmed)
	}
	for _, e := range defaults {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint pool must not be empty")
	}
	return &Pool{endpoints: endpoints}, nil
}

// Active returns the endpoint currently at the head of the pool.
func (p *Pool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[0]
}

// Rotate moves the head endpoint to the tail and returns the new head.
// Callers invoke it exactly once per failed TOKEN request, never on success.
func (p *Pool) Rotate() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) > 1 {
		head := p.endpoints[0]
		copy(p.endpoints, p.endpoints[1:])
		p.endpoints[len(p.endpoints)-1] = head
	}
	return p.endpoints[0]
}

// Snapshot returns a copy of the current endpoint order.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.endpoints...)
}

// Size returns the number of endpoints in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}
