// Package portpool hands out relayed transport ports for TURN allocations
// from a bounded range, picking uniformly at random among free ports to
// make port reuse attacks harder to predict.
package portpool

import (
	"crypto/rand"
	"io"
	"math/big"
	mathrand "math/rand"
	"sync"

	"github.com/pkg/errors"
)

// ErrExhausted is returned by Alloc when no free port remains in range.
var ErrExhausted = errors.New("portpool: no free port available")

// ErrInvalidRange is returned by New when min > max.
var ErrInvalidRange = errors.New("portpool: min port greater than max port")

// Pool allocates ports uniformly at random from [min, max]. It is safe
// for concurrent use.
type Pool struct {
	mu    sync.Mutex
	min   uint16
	max   uint16
	free  []uint16
	index map[uint16]int // port -> position in free, for O(1) release/removal
	rand  io.Reader
}

// New creates a Pool spanning [min, max] inclusive. The default TURN
// relay range, per RFC 8656 Section 2.2 guidance and common deployments,
// is 49152-65535 (the IANA ephemeral range).
func New(min, max uint16) (*Pool, error) {
	if min > max {
		return nil, ErrInvalidRange
	}
	n := int(max-min) + 1
	p := &Pool{
		min:   min,
		max:   max,
		free:  make([]uint16, n),
		index: make(map[uint16]int, n),
		rand:  rand.Reader,
	}
	for i := 0; i < n; i++ {
		port := min + uint16(i)
		p.free[i] = port
		p.index[port] = i
	}
	return p, nil
}

// Size returns the total number of ports in the pool's configured range.
func (p *Pool) Size() int {
	return int(p.max-p.min) + 1
}

// Alloc draws a uniformly random free port and marks it allocated. It
// returns ErrExhausted if the pool has no free port left.
func (p *Pool) Alloc() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrExhausted
	}
	i := p.randomIndex(len(p.free))
	port := p.free[i]
	p.removeAt(i)
	return port, nil
}

// Reserve marks a specific port allocated, failing if it is out of range
// or already allocated. Used when a caller needs a deterministic port
// (e.g. tests, or pre-bound sockets handed in by configuration).
func (p *Pool) Reserve(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[port]
	if !ok {
		return errors.Errorf("portpool: port %d not free or out of range", port)
	}
	p.removeAt(i)
	return nil
}

// Release returns port to the free set. Releasing a port not currently
// allocated (or out of range) is a no-op.
func (p *Pool) Release(port uint16) {
	if port < p.min || port > p.max {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, allocated := p.index[port]; allocated {
		return
	}
	p.index[port] = len(p.free)
	p.free = append(p.free, port)
}

// Free returns the current count of unallocated ports.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// removeAt deletes free[i] via swap-with-last, keeping index in sync.
// Caller must hold p.mu.
func (p *Pool) removeAt(i int) {
	last := len(p.free) - 1
	delete(p.index, p.free[i])
	if i != last {
		moved := p.free[last]
		p.free[i] = moved
		p.index[moved] = i
	}
	p.free = p.free[:last]
}

// randomIndex draws a uniform index in [0, n) using crypto/rand,
// falling back to math/rand if the system CSPRNG is unavailable, mirroring
// the teacher's SystemPortPooledAllocator.randomFree.
func (p *Pool) randomIndex(n int) int {
	max := big.NewInt(int64(n))
	v, err := rand.Int(p.rand, max)
	if err != nil {
		return mathrand.Intn(n) //nolint:gosec // fallback only, not security sensitive
	}
	return int(v.Int64())
}
