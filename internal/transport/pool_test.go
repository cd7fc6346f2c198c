package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolStartStopSerial(t *testing.T) {
	var handled int32
	p := &workerPool{
		WorkerFunc:      func(*packetJob) { atomic.AddInt32(&handled, 1) },
		MaxWorkersCount: 2,
	}
	for i := 0; i < 3; i++ {
		p.Start()
		if !p.Serve(&packetJob{}) {
			t.Fatalf("round %d: Serve reported saturated with an idle pool", i)
		}
		p.Stop()
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&handled) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&handled); got != 3 {
		t.Fatalf("expected 3 jobs handled across restarts, got %d", got)
	}
}

func TestWorkerPoolSaturates(t *testing.T) {
	block := make(chan struct{})
	p := &workerPool{
		WorkerFunc:      func(*packetJob) { <-block },
		MaxWorkersCount: 1,
	}
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	if !p.Serve(&packetJob{}) {
		t.Fatal("first Serve should have spawned a worker")
	}
	if p.Serve(&packetJob{}) {
		t.Fatal("second Serve should report saturation with MaxWorkersCount=1")
	}
}

func TestWorkerPoolReusesIdleWorker(t *testing.T) {
	done := make(chan struct{}, 2)
	p := &workerPool{
		WorkerFunc:      func(*packetJob) { done <- struct{}{} },
		MaxWorkersCount: 1,
	}
	p.Start()
	defer p.Stop()

	if !p.Serve(&packetJob{}) {
		t.Fatal("expected first Serve to succeed")
	}
	<-done
	deadline := time.Now().Add(time.Second)
	for {
		if p.Serve(&packetJob{}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected worker to become idle and accept a second job")
		}
		time.Sleep(time.Millisecond)
	}
	<-done
}
