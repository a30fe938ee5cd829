// Copyright 2025 Agger Protocol
//
// Dispatcher is the concurrency core of the node: it converts incoming prove
// tasks into (query, result) outcomes via a bounded CPU worker pool. The
// admission gate on the pool is the sole upstream backpressure mechanism;
// the bounded output channel is the downstream one.

package dispatch

import (
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/metrics"
	"github.com/zkmove/agger/pkg/types"
)

// QueueDepth is the default depth of the task and output channels.
const QueueDepth = 32

// ProveTask is one unit of proving work: the resolved query, its module set
// and the verification material registered on-chain.
type ProveTask struct {
	Query   types.UserQuery
	Modules [][]byte
	VP      types.VerificationParameters
}

// Outcome is the result of one prove task. Proofs complete out of input
// order; consumers must not assume monotone sequence numbers.
type Outcome struct {
	Query types.UserQuery
	Proof []byte
	Err   error
}

// Witness is the engine's opaque per-execution trace.
type Witness = any

// Engine is the proving engine the workers drive. Both steps are CPU-bound
// and must not suspend; they run on worker goroutines, never on the
// dispatcher loop.
type Engine interface {
	BuildWitness(query types.UserQuery, modules [][]byte, config []byte) (Witness, error)
	Prove(w Witness, param, vk []byte) ([]byte, error)
}

// completion is the one-shot a worker resolves when it finishes. delivered is
// false when the worker panicked before producing an outcome; the slot is
// still released so the pool cannot leak capacity.
type completion struct {
	out       Outcome
	delivered bool
}

// Dispatcher schedules prove tasks across a fixed-size worker pool.
//
// State machine:
//
//	RUNNING  — input closed → DRAINING   — in-flight empty → CLOSED
//	RUNNING  — output gone  → DISCARDING — in-flight empty → CLOSED
type Dispatcher struct {
	engine  Engine
	tasks   <-chan ProveTask
	outputs chan<- Outcome
	// sinkDone is closed when the output consumer is gone; sends race
	// against it so a dead sink cannot wedge the loop.
	sinkDone <-chan struct{}
	workers  int
	log      *zap.SugaredLogger
}

// New builds a Dispatcher over the given channels. workers <= 0 selects
// runtime.NumCPU(). The dispatcher is the sole sender on outputs and closes
// it when it exits.
func New(engine Engine, tasks <-chan ProveTask, outputs chan<- Outcome, sinkDone <-chan struct{}, workers int, log *zap.SugaredLogger) *Dispatcher {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Dispatcher{
		engine:   engine,
		tasks:    tasks,
		outputs:  outputs,
		sinkDone: sinkDone,
		workers:  workers,
		log:      log,
	}
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Run executes the scheduling loop until the task channel is closed and all
// in-flight work has drained, or the output consumer disappears. It closes
// the output channel on exit.
func (d *Dispatcher) Run() {
	defer close(d.outputs)

	completions := make(chan completion)
	active := 0

	for {
		// Admission gate: with a saturated pool, wait on a completion
		// before considering new tasks. This is what keeps the number of
		// in-flight tasks bounded by P plus the queue depths.
		if active == d.workers {
			c := <-completions
			active--
			if !d.forward(c) {
				d.discard(completions, active)
				return
			}
			continue
		}

		select {
		case c := <-completions:
			active--
			if !d.forward(c) {
				d.discard(completions, active)
				return
			}
		case task, ok := <-d.tasks:
			if !ok {
				// All senders gone: drain in-flight work, then exit.
				d.log.Infow("prove dispatcher closing, draining in-flight tasks", "inflight", active)
				d.drain(completions, active)
				return
			}
			active++
			d.spawn(task, completions)
		}
	}
}

// spawn registers the task and hands it to a worker goroutine.
func (d *Dispatcher) spawn(task ProveTask, completions chan<- completion) {
	taskID := uuid.NewString()
	d.log.Infow("new prove task",
		"task", taskID,
		"user", task.Query.User.String(),
		"id", task.Query.ID,
		"sequence", task.Query.SequenceNumber)
	metrics.TasksDispatched.Inc()
	metrics.ActiveWorkers.Inc()

	go func() {
		delivered := false
		var out Outcome
		defer func() {
			metrics.ActiveWorkers.Dec()
			if r := recover(); r != nil {
				d.log.Errorw("prove worker panicked", "task", taskID, "panic", r)
			}
			completions <- completion{out: out, delivered: delivered}
		}()
		started := time.Now()
		proof, err := d.runTask(task)
		metrics.ProveDuration.Observe(time.Since(started).Seconds())
		out = Outcome{Query: task.Query, Proof: proof, Err: err}
		delivered = true
	}()
}

// runTask is the worker body: witness construction then proving, both pure
// CPU. Errors are forwarded verbatim to the outcome.
func (d *Dispatcher) runTask(task ProveTask) ([]byte, error) {
	w, err := d.engine.BuildWitness(task.Query, task.Modules, task.VP.Config)
	if err != nil {
		return nil, err
	}
	return d.engine.Prove(w, task.VP.Param, task.VP.VK)
}

// forward pushes a completed outcome to the sink. A blocked send is
// intentional backpressure; a dead sink returns false and flips the loop
// into discard mode. Undelivered completions (worker panic) are logged and
// skipped: the dispatcher must keep going.
func (d *Dispatcher) forward(c completion) bool {
	if !c.delivered {
		d.log.Errorw("prove task ended without a result")
		return true
	}
	if c.out.Err != nil {
		metrics.ProveFailures.Inc()
	} else {
		metrics.ProveSuccesses.Inc()
	}
	select {
	case d.outputs <- c.out:
		return true
	case <-d.sinkDone:
		d.log.Warnw("proof sink is gone, discarding remaining results")
		return false
	}
}

// drain awaits the remaining in-flight completions, forwarding each; if the
// sink dies mid-drain the rest is discarded.
func (d *Dispatcher) drain(completions <-chan completion, active int) {
	for ; active > 0; active-- {
		c := <-completions
		if !d.forward(c) {
			d.discard(completions, active-1)
			return
		}
	}
	d.log.Infow("prove dispatcher closed")
}

// discard awaits the remaining in-flight completions and drops them: the
// sink is gone, there is nowhere to report to.
func (d *Dispatcher) discard(completions <-chan completion, active int) {
	for ; active > 0; active-- {
		<-completions
	}
	d.log.Infow("prove dispatcher closed, results discarded")
}
