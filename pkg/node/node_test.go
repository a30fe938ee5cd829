// Copyright 2025 Agger Protocol
//
// End-to-end pipeline tests: a fake ledger and a stub proving engine drive
// the real ingestor, resolver, dispatcher, store and responder.

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aptos-labs/aptos-go-sdk/bcs"
	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/aptos"
	"github.com/zkmove/agger/pkg/store"
	"github.com/zkmove/agger/pkg/types"
)

// moduleWithFunction assembles a compiled module with a single function
// definition carrying the given name.
func moduleWithFunction(name string) []byte {
	idents := append([]byte{byte(len(name))}, name...)
	handles := []byte{0x00, 0x00, 0x00, 0x00, 0x00}
	defs := []byte{0x00, 0x01, 0x00, 0x00, 0x00}
	out := []byte{0xA1, 0x1C, 0xEB, 0x0B, 0x06, 0x00, 0x00, 0x00, 0x03}
	offset := 0
	for _, table := range []struct {
		kind byte
		data []byte
	}{{0x7, idents}, {0x3, handles}, {0xC, defs}} {
		out = append(out, table.kind, byte(offset), byte(len(table.data)))
		offset += len(table.data)
	}
	out = append(out, idents...)
	out = append(out, handles...)
	return append(out, defs...)
}

// fakeLedger serves events, the backing query state, and the registry views.
type fakeLedger struct {
	mu         sync.Mutex
	events     []aptos.VersionedEvent
	queries    map[uint64]types.Query
	user       types.AccountAddress
	module     []byte
	eventPolls []uint64
}

func newFakeLedger(user types.AccountAddress) *fakeLedger {
	return &fakeLedger{
		queries: map[uint64]types.Query{},
		user:    user,
		module:  moduleWithFunction("f"),
	}
}

func (f *fakeLedger) addEvent(t *testing.T, id uint64) {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"user": f.user.String(),
		"id":   fmt.Sprintf("%d", id),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, aptos.VersionedEvent{
		Version:        100 + id,
		SequenceNumber: uint64(len(f.events)),
		Data:           data,
	})
	f.queries[id] = types.Query{
		ModuleAddress: make([]byte, 32),
		ModuleName:    []byte("m"),
		FunctionName:  []byte("f"),
	}
}

func (f *fakeLedger) EventsByHandle(_ context.Context, _ types.AccountAddress, _, _ string, start, limit uint64) ([]aptos.VersionedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventPolls = append(f.eventPolls, start)
	if start >= uint64(len(f.events)) {
		return nil, nil
	}
	end := start + limit
	if end > uint64(len(f.events)) {
		end = uint64(len(f.events))
	}
	return f.events[start:end], nil
}

func (f *fakeLedger) ResourceAtVersion(context.Context, types.AccountAddress, string, uint64) ([]byte, error) {
	res := types.Queries{
		Queries: types.TableWithLength{Inner: types.Table{Handle: f.user}},
	}
	return bcs.Serialize(&res)
}

func (f *fakeLedger) TableItemAtVersion(_ context.Context, _ types.AccountAddress, _, _, key string, _ uint64) ([]byte, error) {
	var id uint64
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return nil, fmt.Errorf("bad key %q", key)
	}
	f.mu.Lock()
	q, ok := f.queries[id]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no query %d", id)
	}
	return bcs.Serialize(&q)
}

func (f *fakeLedger) View(_ context.Context, function string, _ []string, _ []any, _ uint64) ([]json.RawMessage, error) {
	name := function[strings.LastIndex(function, "::")+2:]
	var b []byte
	switch name {
	case "get_module":
		b = f.module
	case "get_config":
		b = []byte{0x01}
	case "get_vk":
		b = []byte{0x02, 0x00, 0x00} // key body + LE index 0
	case "get_param":
		b = []byte{0x03}
	default:
		return nil, fmt.Errorf("unknown view %s", name)
	}
	encoded, _ := json.Marshal(hexutil.Encode(b))
	return []json.RawMessage{encoded}, nil
}

// stubEngine proves instantly with a fixed proof, or fails per query id.
type stubEngine struct {
	mu     sync.Mutex
	proof  []byte
	errs   map[uint64]error
	proved []uint64
}

func (e *stubEngine) BuildWitness(query types.UserQuery, _ [][]byte, _ []byte) (any, error) {
	return query, nil
}

func (e *stubEngine) Prove(w any, _, _ []byte) ([]byte, error) {
	query := w.(types.UserQuery)
	e.mu.Lock()
	e.proved = append(e.proved, query.SequenceNumber)
	err := e.errs[query.ID]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.proof, nil
}

func (e *stubEngine) provedSequences() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.proved...)
}

// runUntil starts the node and blocks until cond holds, then cancels and
// waits for shutdown.
func runUntil(t *testing.T, n *Node, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			t.Fatal("condition not reached before deadline")
		case err := <-done:
			t.Fatalf("node exited early: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("node shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
}

func hasProof(s *store.Store, seq uint64) func() bool {
	return func() bool {
		_, ok, err := s.LastProvedSequence()
		if err != nil || !ok {
			return false
		}
		_, err = s.GetProof(seq)
		return err == nil
	}
}

func testNode(client aptos.Client, engine *stubEngine, s *store.Store) *Node {
	var agger types.AccountAddress
	agger[31] = 0x99
	return New(client, engine, s, agger, Options{
		PollInterval:  5 * time.Millisecond,
		ProverWorkers: 2,
	}, zap.NewNop().Sugar())
}

func TestColdStartSingleQuery(t *testing.T) {
	var user types.AccountAddress
	user[0] = 1
	ledger := newFakeLedger(user)
	ledger.addEvent(t, 5)

	s := store.NewWithDB(dbm.NewMemDB())
	defer s.Close()
	engine := &stubEngine{proof: []byte{0xFE}}

	runUntil(t, testNode(ledger, engine, s), hasProof(s, 0))

	q, err := s.GetQuery(0)
	if err != nil {
		t.Fatalf("query 0 not persisted: %v", err)
	}
	if q.ID != 5 || q.User != user || q.Version != 100+5 {
		t.Errorf("persisted query wrong: %+v", q)
	}

	p, err := s.GetProof(0)
	if err != nil {
		t.Fatalf("proof 0 not persisted: %v", err)
	}
	if !p.Success || !bytes.Equal(p.Result, []byte{0xFE}) || p.Submitted {
		t.Errorf("persisted proof wrong: %+v", p)
	}
}

func TestProvingFailureIsRecordedAndPipelineContinues(t *testing.T) {
	var user types.AccountAddress
	ledger := newFakeLedger(user)
	ledger.addEvent(t, 0)
	ledger.addEvent(t, 1)

	s := store.NewWithDB(dbm.NewMemDB())
	defer s.Close()
	engine := &stubEngine{
		proof: []byte{0xFE},
		errs:  map[uint64]error{0: errors.New("bad witness")},
	}

	runUntil(t, testNode(ledger, engine, s), func() bool {
		return hasProof(s, 0)() && hasProof(s, 1)()
	})

	p0, err := s.GetProof(0)
	if err != nil {
		t.Fatalf("proof 0: %v", err)
	}
	if p0.Success || string(p0.Result) != "bad witness" || p0.Submitted {
		t.Errorf("failure record wrong: %+v", p0)
	}

	p1, err := s.GetProof(1)
	if err != nil {
		t.Fatalf("proof 1: %v", err)
	}
	if !p1.Success {
		t.Errorf("event 1 should have proved: %+v", p1)
	}
}

func TestResumeSkipsProvedEvents(t *testing.T) {
	var user types.AccountAddress
	ledger := newFakeLedger(user)
	ledger.addEvent(t, 0)

	db := dbm.NewMemDB()
	s := store.NewWithDB(db)
	engine := &stubEngine{proof: []byte{0xFE}}

	runUntil(t, testNode(ledger, engine, s), hasProof(s, 0))

	// Restart against the same store; the ledger now has a second event.
	ledger.addEvent(t, 1)
	ledger.mu.Lock()
	ledger.eventPolls = nil
	ledger.mu.Unlock()

	engine2 := &stubEngine{proof: []byte{0xFD}}
	runUntil(t, testNode(ledger, engine2, s), hasProof(s, 1))

	// Event 0 is neither re-fetched nor re-proved.
	ledger.mu.Lock()
	polls := append([]uint64(nil), ledger.eventPolls...)
	ledger.mu.Unlock()
	for _, p := range polls {
		if p == 0 {
			t.Error("event 0 was polled again after resume")
		}
	}
	for _, seq := range engine2.provedSequences() {
		if seq == 0 {
			t.Error("event 0 was re-proved after resume")
		}
	}

	p1, err := s.GetProof(1)
	if err != nil {
		t.Fatalf("proof 1: %v", err)
	}
	if !p1.Success || !bytes.Equal(p1.Result, []byte{0xFD}) {
		t.Errorf("resumed proof wrong: %+v", p1)
	}
}

func TestResolutionFailureIsFatalForQueryOnly(t *testing.T) {
	var user types.AccountAddress
	ledger := newFakeLedger(user)
	ledger.addEvent(t, 0)
	ledger.addEvent(t, 1)
	// Event 0 names a function the module does not define.
	ledger.mu.Lock()
	q := ledger.queries[0]
	q.FunctionName = []byte("missing")
	ledger.queries[0] = q
	ledger.mu.Unlock()

	s := store.NewWithDB(dbm.NewMemDB())
	defer s.Close()
	engine := &stubEngine{proof: []byte{0xFE}}

	runUntil(t, testNode(ledger, engine, s), func() bool {
		return hasProof(s, 0)() && hasProof(s, 1)()
	})

	p0, err := s.GetProof(0)
	if err != nil {
		t.Fatalf("proof 0: %v", err)
	}
	if p0.Success {
		t.Errorf("unresolvable query must record a failure: %+v", p0)
	}
	if _, err := s.GetQuery(0); err != nil {
		t.Errorf("query record must exist even for failed resolution: %v", err)
	}

	p1, err := s.GetProof(1)
	if err != nil {
		t.Fatalf("proof 1: %v", err)
	}
	if !p1.Success {
		t.Errorf("event 1 should have proved: %+v", p1)
	}
}
