// Copyright 2025 Agger Protocol
//
// Dispatcher scheduling tests: backpressure, drain, completion ordering and
// worker failure isolation, driven by a stub engine with controlled
// durations.

package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/types"
)

// stubEngine proves by sleeping for a per-query duration. It tracks the
// maximum number of concurrently running tasks.
type stubEngine struct {
	mu        sync.Mutex
	durations map[uint64]time.Duration // by query id
	errs      map[uint64]error
	panics    map[uint64]bool
	proof     []byte

	active    int32
	maxActive int32
}

func (e *stubEngine) BuildWitness(query types.UserQuery, _ [][]byte, _ []byte) (Witness, error) {
	return query, nil
}

func (e *stubEngine) Prove(w Witness, _, _ []byte) ([]byte, error) {
	query := w.(types.UserQuery)

	cur := atomic.AddInt32(&e.active, 1)
	for {
		max := atomic.LoadInt32(&e.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&e.maxActive, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&e.active, -1)

	e.mu.Lock()
	d := e.durations[query.ID]
	err := e.errs[query.ID]
	shouldPanic := e.panics[query.ID]
	e.mu.Unlock()

	time.Sleep(d)
	if shouldPanic {
		panic("prover blew up")
	}
	if err != nil {
		return nil, err
	}
	return e.proof, nil
}

func task(id uint64) ProveTask {
	return ProveTask{Query: types.UserQuery{SequenceNumber: id, ID: id}}
}

func runDispatcher(engine Engine, tasks chan ProveTask, outputs chan Outcome, sinkDone chan struct{}, workers int) <-chan struct{} {
	d := New(engine, tasks, outputs, sinkDone, workers, zap.NewNop().Sugar())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run()
	}()
	return done
}

func TestSerialBackpressure(t *testing.T) {
	engine := &stubEngine{
		durations: map[uint64]time.Duration{1: 100 * time.Millisecond, 2: 100 * time.Millisecond, 3: 100 * time.Millisecond, 4: 100 * time.Millisecond},
		proof:     []byte{0xFE},
	}
	tasks := make(chan ProveTask, 1)
	outputs := make(chan Outcome, 8)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 1)

	started := time.Now()
	for id := uint64(1); id <= 4; id++ {
		tasks <- task(id)
	}
	close(tasks)

	var order []uint64
	for out := range outputs {
		if out.Err != nil {
			t.Fatalf("task %d failed: %v", out.Query.ID, out.Err)
		}
		order = append(order, out.Query.ID)
	}
	<-done

	if elapsed := time.Since(started); elapsed < 400*time.Millisecond {
		t.Errorf("4 serial 100ms tasks finished in %v, expected >= 400ms", elapsed)
	}
	if max := atomic.LoadInt32(&engine.maxActive); max != 1 {
		t.Errorf("pool of 1 ran %d tasks concurrently", max)
	}
	// Equal durations on a single worker preserve submission order.
	for i, id := range order {
		if id != uint64(i+1) {
			t.Fatalf("output order %v, want submission order", order)
		}
	}
}

func TestCompletionOrderNotInputOrder(t *testing.T) {
	engine := &stubEngine{
		durations: map[uint64]time.Duration{
			1: 400 * time.Millisecond,
			2: 100 * time.Millisecond,
			3: 200 * time.Millisecond,
			4: 300 * time.Millisecond,
		},
		proof: []byte{0xFE},
	}
	tasks := make(chan ProveTask, 4)
	outputs := make(chan Outcome, 4)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 4)

	for id := uint64(1); id <= 4; id++ {
		tasks <- task(id)
	}
	close(tasks)

	var order []uint64
	for out := range outputs {
		order = append(order, out.Query.ID)
	}
	<-done

	want := []uint64{2, 3, 4, 1}
	if len(order) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order %v, want %v", order, want)
		}
	}
}

func TestPoolBoundHolds(t *testing.T) {
	engine := &stubEngine{durations: map[uint64]time.Duration{}, proof: []byte{1}}
	for id := uint64(1); id <= 16; id++ {
		engine.durations[id] = 50 * time.Millisecond
	}
	tasks := make(chan ProveTask, 2)
	outputs := make(chan Outcome, 16)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 3)

	for id := uint64(1); id <= 16; id++ {
		tasks <- task(id)
	}
	close(tasks)

	count := 0
	for range outputs {
		count++
	}
	<-done

	if count != 16 {
		t.Errorf("got %d outputs, want 16", count)
	}
	if max := atomic.LoadInt32(&engine.maxActive); max > 3 {
		t.Errorf("pool of 3 ran %d tasks concurrently", max)
	}
}

func TestDrainOnInputClose(t *testing.T) {
	engine := &stubEngine{
		durations: map[uint64]time.Duration{1: 100 * time.Millisecond, 2: 100 * time.Millisecond, 3: 100 * time.Millisecond},
		proof:     []byte{1},
	}
	tasks := make(chan ProveTask, 3)
	outputs := make(chan Outcome, 3)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 4)

	for id := uint64(1); id <= 3; id++ {
		tasks <- task(id)
	}
	// Give the loop a moment to put all three in flight, then close.
	time.Sleep(20 * time.Millisecond)
	close(tasks)

	count := 0
	for range outputs {
		count++
	}
	if count != 3 {
		t.Errorf("drain emitted %d outputs, want 3", count)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit after drain")
	}
}

func TestErrorsForwardedVerbatim(t *testing.T) {
	proveErr := errors.New("bad witness")
	engine := &stubEngine{
		durations: map[uint64]time.Duration{},
		errs:      map[uint64]error{1: proveErr},
		proof:     []byte{1},
	}
	tasks := make(chan ProveTask, 2)
	outputs := make(chan Outcome, 2)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 1)

	tasks <- task(1)
	tasks <- task(2)
	close(tasks)

	byID := map[uint64]Outcome{}
	for out := range outputs {
		byID[out.Query.ID] = out
	}
	<-done

	if out := byID[1]; !errors.Is(out.Err, proveErr) {
		t.Errorf("task 1: expected the prove error, got %v", out.Err)
	}
	if out := byID[2]; out.Err != nil {
		t.Errorf("task 2 should have succeeded: %v", out.Err)
	}
}

func TestWorkerPanicIsSkipped(t *testing.T) {
	engine := &stubEngine{
		durations: map[uint64]time.Duration{},
		panics:    map[uint64]bool{1: true},
		proof:     []byte{1},
	}
	tasks := make(chan ProveTask, 2)
	outputs := make(chan Outcome, 2)
	done := runDispatcher(engine, tasks, outputs, make(chan struct{}), 1)

	tasks <- task(1)
	tasks <- task(2)
	close(tasks)

	var ids []uint64
	for out := range outputs {
		ids = append(ids, out.Query.ID)
	}
	<-done

	if len(ids) != 1 || ids[0] != 2 {
		t.Errorf("expected only task 2 to produce an output, got %v", ids)
	}
}

func TestOutputConsumerGoneDiscards(t *testing.T) {
	engine := &stubEngine{
		durations: map[uint64]time.Duration{1: 50 * time.Millisecond, 2: 50 * time.Millisecond},
		proof:     []byte{1},
	}
	tasks := make(chan ProveTask, 2)
	outputs := make(chan Outcome) // unbuffered: forwards block immediately
	sinkDone := make(chan struct{})
	done := runDispatcher(engine, tasks, outputs, sinkDone, 2)

	tasks <- task(1)
	tasks <- task(2)
	// Sink dies without ever reading.
	close(sinkDone)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit after the sink died")
	}
	// Outputs channel is closed without having been read.
	if _, ok := <-outputs; ok {
		t.Error("expected no forwarded outputs after sink death")
	}
}
