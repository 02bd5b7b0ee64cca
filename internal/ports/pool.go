// Package ports provides a bounded pool of host ports for running containers.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when no ports are available in the pool.
var ErrExhausted = errors.New("port pool exhausted")

// Lease is an owned release token for an allocated port. Release is
// idempotent: the port returns to the pool exactly once no matter how
// many teardown paths call it.
type Lease struct {
	port int
	pool *Pool
	once sync.Once
}

// Port returns the leased host port.
func (l *Lease) Port() int {
	return l.port
}

// Release returns the port to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.port)
	})
}

// Pool manages a contiguous range of host ports as discrete slots.
// Allocation is atomic: no two leases ever hold the same port.
type Pool struct {
	mu    sync.Mutex
	min   int
	inUse []bool
	free  int
}

// NewPool creates a pool covering [min, max] inclusive.
func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	size := max - min + 1
	return &Pool{
		min:   min,
		inUse: make([]bool, size),
		free:  size,
	}, nil
}

// Acquire allocates the lowest free port and returns its lease.
// Returns ErrExhausted when every slot is taken.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == 0 {
		return nil, ErrExhausted
	}
	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			p.free--
			return &Lease{port: p.min + i, pool: p}, nil
		}
	}
	// free count said otherwise
	return nil, ErrExhausted
}

func (p *Pool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := port - p.min
	if i < 0 || i >= len(p.inUse) || !p.inUse[i] {
		return
	}
	p.inUse[i] = false
	p.free++
}

// Available returns the number of free slots.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Size returns the total number of slots in the pool.
func (p *Pool) Size() int {
	return len(p.inUse)
}
