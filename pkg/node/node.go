// Copyright 2025 Agger Protocol
//
// Node wires the pipeline together: ingest -> persist -> resolve -> dispatch
// -> respond. It owns the lifecycle of the three root tasks and the shutdown
// cascade between them.

package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/aptos"
	"github.com/zkmove/agger/pkg/dispatch"
	"github.com/zkmove/agger/pkg/ingest"
	"github.com/zkmove/agger/pkg/metrics"
	"github.com/zkmove/agger/pkg/resolver"
	"github.com/zkmove/agger/pkg/responder"
	"github.com/zkmove/agger/pkg/store"
	"github.com/zkmove/agger/pkg/types"
)

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	PollInterval     time.Duration
	ProverWorkers    int
	TaskQueueDepth   int
	OutputQueueDepth int
}

func (o Options) taskDepth() int {
	if o.TaskQueueDepth > 0 {
		return o.TaskQueueDepth
	}
	return dispatch.QueueDepth
}

func (o Options) outputDepth() int {
	if o.OutputQueueDepth > 0 {
		return o.OutputQueueDepth
	}
	return dispatch.QueueDepth
}

// Node is the assembled prover daemon for one agger contract set.
type Node struct {
	client       aptos.Client
	engine       dispatch.Engine
	store        *store.Store
	aggerAddress types.AccountAddress
	opts         Options
	log          *zap.SugaredLogger
}

// New assembles a Node. The store is shared with the responder; the caller
// retains ownership and closes it after Run returns.
func New(client aptos.Client, engine dispatch.Engine, s *store.Store, aggerAddress types.AccountAddress, opts Options, log *zap.SugaredLogger) *Node {
	return &Node{
		client:       client,
		engine:       engine,
		store:        s,
		aggerAddress: aggerAddress,
		opts:         opts,
		log:          log,
	}
}

// Run executes the pipeline until ctx is cancelled or one of the root tasks
// terminates. Teardown cascades through channel closure: the ingest loop
// drops the task sender, the dispatcher drains and closes its output, and
// the responder exits once the output closes.
func (n *Node) Run(ctx context.Context) error {
	start, err := n.resumePoint()
	if err != nil {
		return err
	}
	n.log.Infow("starting ingestion", "start_sequence", start)

	tasks := make(chan dispatch.ProveTask, n.opts.taskDepth())
	outputs := make(chan dispatch.Outcome, n.opts.outputDepth())
	sinkDone := make(chan struct{})

	dispatcher := dispatch.New(n.engine, tasks, outputs, sinkDone, n.opts.ProverWorkers, n.log)
	n.log.Infow("prover pool ready", "workers", dispatcher.Workers())

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run()
	}()

	resp := responder.New(n.store, n.log)
	respErr := make(chan error, 1)
	go func() {
		defer close(sinkDone)
		respErr <- resp.Run(outputs)
	}()

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()
	items := make(chan ingest.Item, 1)
	ingestor := ingest.New(n.client, n.aggerAddress, n.opts.PollInterval, n.log)
	go ingestor.Run(ingestCtx, start, items)

	res := resolver.New(n.client, n.aggerAddress)

	var runErr error
	respFinished := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-dispatcherDone:
			// Task sender still open, so this is abnormal; stop feeding.
			n.log.Warnw("prove dispatcher exited")
			break loop
		case err := <-respErr:
			respFinished = true
			if err != nil {
				n.log.Errorw("proof responder failed", "err", err)
				runErr = err
			} else {
				n.log.Infow("proof responder exited")
			}
			break loop
		case item, ok := <-items:
			if !ok {
				// Ingest stream exhausted (cancellation).
				break loop
			}
			if item.Err != nil {
				n.log.Errorw("query ingestion error, will retry", "err", item.Err)
				continue
			}
			if done := n.handleQuery(ctx, res, item.Query, tasks, dispatcherDone); done {
				break loop
			}
		}
	}

	// Stop producing, then let the cascade run: dispatcher drains in-flight
	// work, closes outputs, responder persists the tail and exits.
	cancelIngest()
	close(tasks)
	<-dispatcherDone
	if !respFinished {
		if err := <-respErr; err != nil && runErr == nil {
			runErr = err
		}
	}
	n.log.Infow("agger node stopped")
	return runErr
}

// handleQuery persists the query record, resolves proving material for the
// query, and feeds the dispatcher. The query write happens before resolution
// and dispatch so a proof (including a recorded resolution failure) can never
// exist without its query. Returns true when the
// pipeline should stop.
func (n *Node) handleQuery(ctx context.Context, res *resolver.Resolver, q *types.UserQuery, tasks chan<- dispatch.ProveTask, dispatcherDone <-chan struct{}) bool {
	if err := n.store.PutQuery(q.SequenceNumber, q); err != nil {
		n.log.Errorw("persisting query failed", "sequence", q.SequenceNumber, "err", err)
		return true
	}

	modules, vp, err := n.resolveTask(ctx, res, q)
	if err != nil {
		// Fatal for this query only: record the failure durably and move on.
		metrics.ResolveFailures.Inc()
		n.log.Errorw("resolving proving material failed",
			"sequence", q.SequenceNumber, "id", q.ID, "err", err)
		if perr := n.store.PutProof(q.SequenceNumber, nil, err); perr != nil {
			n.log.Errorw("persisting resolution failure failed", "sequence", q.SequenceNumber, "err", perr)
			return true
		}
		return false
	}

	task := dispatch.ProveTask{Query: *q, Modules: modules, VP: vp}
	select {
	case tasks <- task:
		return false
	case <-dispatcherDone:
		n.log.Errorw("prove dispatcher is down, dropping task", "sequence", q.SequenceNumber)
		return true
	case <-ctx.Done():
		return true
	}
}

// resolveTask fetches the module set and verification parameters for the
// query, pinned to the query's version.
func (n *Node) resolveTask(ctx context.Context, res *resolver.Resolver, q *types.UserQuery) ([][]byte, types.VerificationParameters, error) {
	modules, err := res.ResolveModules(ctx, q)
	if err != nil {
		return nil, types.VerificationParameters{}, err
	}
	_, vp, err := res.ResolveVerificationParams(ctx,
		q.Query.ModuleAddress, q.Query.ModuleName, q.Query.FunctionName, q.Version)
	if err != nil {
		return nil, types.VerificationParameters{}, err
	}
	return modules, vp, nil
}

// resumePoint computes the first sequence number to ingest: one past the
// last durably proved event, or zero on a fresh store. Events proved before
// a restart are never re-proved; unproved events are never skipped.
func (n *Node) resumePoint() (uint64, error) {
	last, ok, err := n.store.LastProvedSequence()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return last + 1, nil
}
