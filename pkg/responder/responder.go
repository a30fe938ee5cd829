// Copyright 2025 Agger Protocol
//
// Responder drains prove outcomes off the dispatcher, records each one
// durably, and will eventually submit accepted proofs back on-chain.

package responder

import (
	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/dispatch"
	"github.com/zkmove/agger/pkg/store"
	"github.com/zkmove/agger/pkg/types"
)

// Responder persists every prove outcome keyed by sequence number. Outcomes
// arrive in completion order, not sequence order.
type Responder struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// New builds a Responder over the shared store.
func New(s *store.Store, log *zap.SugaredLogger) *Responder {
	return &Responder{store: s, log: log}
}

// Run consumes outcomes until the channel closes. Store errors are fatal:
// the pipeline cannot make durable progress without its proof log.
func (r *Responder) Run(outputs <-chan dispatch.Outcome) error {
	for out := range outputs {
		if out.Err != nil {
			r.log.Warnw("prove failed",
				"sequence", out.Query.SequenceNumber,
				"user", out.Query.User.String(),
				"id", out.Query.ID,
				"err", out.Err)
		} else {
			r.log.Infow("prove succeeded",
				"sequence", out.Query.SequenceNumber,
				"user", out.Query.User.String(),
				"id", out.Query.ID,
				"proof_bytes", len(out.Proof))
		}
		if err := r.store.PutProof(out.Query.SequenceNumber, out.Proof, out.Err); err != nil {
			return err
		}
		if out.Err == nil {
			r.submit(out.Query, out.Proof)
		}
	}
	return nil
}

// submit will push the proof to the ledger so the contract can verify it and
// finalize the query. Until then Submitted stays false on every stored
// result.
//
// TODO: wire the transaction submission path.
func (r *Responder) submit(q types.UserQuery, proof []byte) {
	r.log.Debugw("proof submission not yet implemented",
		"sequence", q.SequenceNumber, "id", q.ID)
}
