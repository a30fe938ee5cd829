// Copyright 2025 Agger Protocol
//
// Durable store for queries and proof outcomes, keyed by event sequence
// number. Two column families over one embedded KV database:
//
//	queries: sequence number -> UserQuery
//	proofs:  sequence number -> UserQueryProvingResult
//
// Every key in proofs also exists in queries, and a reverse scan of either
// family yields the numerically largest sequence number.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aptos-labs/aptos-go-sdk/bcs"
	dbm "github.com/cometbft/cometbft-db"

	"github.com/zkmove/agger/pkg/types"
)

// DBName is the on-disk database directory name.
const DBName = "agger-db"

// Column family prefixes.
var (
	queriesPrefix = []byte("queries/")
	proofsPrefix  = []byte("proofs/")
)

// ErrNotFound is returned by point reads when no record exists for the
// sequence number.
var ErrNotFound = errors.New("record not found")

// UserQueryProvingResult is the persisted outcome of one prove task. On
// success Result holds the proof bytes; on failure the root-cause message.
// Submitted flips only after on-chain submission.
type UserQueryProvingResult struct {
	Success   bool
	Result    []byte
	Submitted bool
}

// NewProvingResult wraps a prove outcome into its persisted form. Failures
// record the deepest wrapped cause, mirroring how the prover surfaces its
// root errors.
func NewProvingResult(proof []byte, proveErr error) UserQueryProvingResult {
	if proveErr != nil {
		return UserQueryProvingResult{Success: false, Result: []byte(rootCause(proveErr).Error())}
	}
	return UserQueryProvingResult{Success: true, Result: proof}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// MarshalBCS implements bcs.Marshaler.
func (r *UserQueryProvingResult) MarshalBCS(ser *bcs.Serializer) {
	ser.Bool(r.Success)
	ser.WriteBytes(r.Result)
	ser.Bool(r.Submitted)
}

// UnmarshalBCS implements bcs.Unmarshaler.
func (r *UserQueryProvingResult) UnmarshalBCS(des *bcs.Deserializer) {
	r.Success = des.Bool()
	r.Result = des.ReadBytes()
	r.Submitted = des.Bool()
}

// SequenceKey is the canonical key encoding: fixed 8-byte big-endian, so the
// store's lexicographic order equals numeric order and a reverse scan yields
// the maximum sequence number.
func SequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// ParseSequenceKey round-trips SequenceKey.
func ParseSequenceKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("sequence key: expected 8 bytes, got %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// Store wraps the embedded KV database with the two typed column families.
type Store struct {
	db      dbm.DB
	queries dbm.DB
	proofs  dbm.DB
}

// Open opens (or creates) the database under dir.
func Open(dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(DBName, dir)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing database; tests pass a MemDB.
func NewWithDB(db dbm.DB) *Store {
	return &Store{
		db:      db,
		queries: dbm.NewPrefixDB(db, queriesPrefix),
		proofs:  dbm.NewPrefixDB(db, proofsPrefix),
	}
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutQuery durably records the query under its sequence number. A sequence
// number is never rewritten with a different query; re-puts after a restart
// carry the identical record.
func (s *Store) PutQuery(seq uint64, q *types.UserQuery) error {
	value, err := bcs.Serialize(q)
	if err != nil {
		return fmt.Errorf("encoding query %d: %w", seq, err)
	}
	if err := s.queries.SetSync(SequenceKey(seq), value); err != nil {
		return fmt.Errorf("writing query %d: %w", seq, err)
	}
	return nil
}

// GetQuery reads the query recorded under seq.
func (s *Store) GetQuery(seq uint64) (*types.UserQuery, error) {
	raw, err := s.queries.Get(SequenceKey(seq))
	if err != nil {
		return nil, fmt.Errorf("reading query %d: %w", seq, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("query %d: %w", seq, ErrNotFound)
	}
	var q types.UserQuery
	if err := bcs.Deserialize(&q, raw); err != nil {
		return nil, fmt.Errorf("decoding query %d: %w", seq, err)
	}
	return &q, nil
}

// PutProof durably records a prove outcome under its sequence number,
// wrapping success or failure into a UserQueryProvingResult.
func (s *Store) PutProof(seq uint64, proof []byte, proveErr error) error {
	result := NewProvingResult(proof, proveErr)
	value, err := bcs.Serialize(&result)
	if err != nil {
		return fmt.Errorf("encoding proof %d: %w", seq, err)
	}
	if err := s.proofs.SetSync(SequenceKey(seq), value); err != nil {
		return fmt.Errorf("writing proof %d: %w", seq, err)
	}
	return nil
}

// GetProof reads the proving result recorded under seq.
func (s *Store) GetProof(seq uint64) (*UserQueryProvingResult, error) {
	raw, err := s.proofs.Get(SequenceKey(seq))
	if err != nil {
		return nil, fmt.Errorf("reading proof %d: %w", seq, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("proof %d: %w", seq, ErrNotFound)
	}
	var r UserQueryProvingResult
	if err := bcs.Deserialize(&r, raw); err != nil {
		return nil, fmt.Errorf("decoding proof %d: %w", seq, err)
	}
	return &r, nil
}

// LastProvedSequence returns the largest sequence number present in the
// proofs family; ok is false when no proof has been recorded. Ingestion
// resumes at last+1.
func (s *Store) LastProvedSequence() (seq uint64, ok bool, err error) {
	key, _, err := lastEntry(s.proofs)
	if err != nil || key == nil {
		return 0, false, err
	}
	seq, err = ParseSequenceKey(key)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// LastSeenQuery returns the query with the largest recorded sequence number,
// or nil when the store is empty.
func (s *Store) LastSeenQuery() (*types.UserQuery, error) {
	_, value, err := lastEntry(s.queries)
	if err != nil || value == nil {
		return nil, err
	}
	var q types.UserQuery
	if err := bcs.Deserialize(&q, value); err != nil {
		return nil, fmt.Errorf("decoding last query: %w", err)
	}
	return &q, nil
}

// lastEntry reverse-scans a family and returns its last key/value pair.
func lastEntry(db dbm.DB) ([]byte, []byte, error) {
	it, err := db.ReverseIterator(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("reverse scan: %w", err)
	}
	defer it.Close()
	if !it.Valid() {
		return nil, nil, it.Error()
	}
	key := append([]byte(nil), it.Key()...)
	value := append([]byte(nil), it.Value()...)
	return key, value, it.Error()
}
