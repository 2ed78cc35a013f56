package dpc

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRequestRunsOnWorker(t *testing.T) {
	q := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		q.Request(func(arg any) {
			mu.Lock()
			got = append(got, arg.(int))
			mu.Unlock()
			wg.Done()
		}, i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for DPCs to run")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 DPCs to run, got %d", len(got))
	}
}

func TestRequestExhaustionIsFatal(t *testing.T) {
	q := New(1)
	q.Request(func(any) {}, nil) // fills the only slot; never drained since no worker runs.

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on DPC pool exhaustion")
		}
	}()
	q.Request(func(any) {}, nil)
}

func TestStopEndsWorkerLoop(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	q.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
