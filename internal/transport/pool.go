package transport

import (
	"net"
	"sync"

	"go.uber.org/zap"
)

// workerPool bounds the number of goroutines concurrently processing
// packets for one UDP listener, mirroring the teacher's
// internal/server.workerPool (Start/Stop/Serve, WorkerFunc,
// MaxWorkersCount): jobs are handed to an idle worker goroutine if one is
// available, and Serve reports false (rather than blocking) when the pool
// is saturated so the caller can apply backpressure.
type workerPool struct {
	WorkerFunc      func(job *packetJob)
	MaxWorkersCount int
	Logger          *zap.Logger

	mu      sync.Mutex
	ready   []chan *packetJob
	running bool
	spawned int
	wg      sync.WaitGroup
	stop    chan struct{}
}

// packetJob is one datagram to be routed, handed from the read loop to a
// pool worker.
type packetJob struct {
	buf  []byte
	n    int
	addr net.Addr
}

func (p *workerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.spawned = 0
	p.ready = nil
	p.stop = make(chan struct{})
}

func (p *workerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}

// Serve dispatches job to an idle worker, spawning a new one if under
// MaxWorkersCount and none is idle. Returns false if the pool is
// saturated and the caller should retry or drop.
func (p *workerPool) Serve(job *packetJob) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	var ch chan *packetJob
	if n := len(p.ready); n > 0 {
		ch = p.ready[n-1]
		p.ready = p.ready[:n-1]
	} else if p.spawned < p.MaxWorkersCount {
		ch = make(chan *packetJob)
		p.spawned++
		p.wg.Add(1)
		go p.workerLoop(ch)
	}
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- job
	return true
}

func (p *workerPool) workerLoop(ch chan *packetJob) {
	defer p.wg.Done()
	for {
		select {
		case job := <-ch:
			p.WorkerFunc(job)
			p.mu.Lock()
			if p.running {
				p.ready = append(p.ready, ch)
				p.mu.Unlock()
				continue
			}
			p.mu.Unlock()
			return
		case <-p.stop:
			return
		}
	}
}
