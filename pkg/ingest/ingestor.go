// Copyright 2025 Agger Protocol
//
// Ingestor tails the query module's new_event_handle and produces a lazy,
// restartable, gap-free sequence of fully resolved user queries. One event is
// requested per poll; the cursor advances only after a successful yield, so
// transient ledger failures are retried at the same sequence number.

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aptos-labs/aptos-go-sdk/bcs"
	"go.uber.org/zap"

	"github.com/zkmove/agger/pkg/aptos"
	"github.com/zkmove/agger/pkg/metrics"
	"github.com/zkmove/agger/pkg/types"
)

// DefaultPollInterval is the tail-poll sleep when no new event is available.
const DefaultPollInterval = 30 * time.Second

// Item is one element of the ingest stream: either a resolved query or the
// error encountered while resolving the current sequence number. After an
// error item the same sequence number is retried on the next poll; the
// consumer decides whether to keep reading.
type Item struct {
	Query *types.UserQuery
	Err   error
}

// Ingestor produces the query stream for one agger contract.
type Ingestor struct {
	client       aptos.Client
	aggerAddress types.AccountAddress
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

// New builds an Ingestor. pollInterval <= 0 selects DefaultPollInterval.
func New(client aptos.Client, aggerAddress types.AccountAddress, pollInterval time.Duration, log *zap.SugaredLogger) *Ingestor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Ingestor{
		client:       client,
		aggerAddress: aggerAddress,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Run tails the event handle starting at sequence start, sending items until
// ctx is cancelled. It closes out on return. Events are gap-free per handle:
// requesting sequence cur addresses exactly event cur.
func (i *Ingestor) Run(ctx context.Context, start uint64, out chan<- Item) {
	defer close(out)
	i.log.Infow("tailing query events", "start_sequence", start, "poll_interval", i.pollInterval)
	cur := start
	for {
		event, err := i.pollEvent(ctx, cur)
		if err != nil {
			metrics.IngestErrors.Inc()
			if !i.send(ctx, out, Item{Err: err}) {
				return
			}
			// Do not advance; re-poll the same sequence number.
			if !i.sleep(ctx) {
				return
			}
			continue
		}
		if event == nil {
			// Tail reached; wait for the contract to emit more.
			if !i.sleep(ctx) {
				return
			}
			continue
		}
		query, err := i.resolveEvent(ctx, event, cur)
		if err != nil {
			metrics.IngestErrors.Inc()
			if !i.send(ctx, out, Item{Err: err}) {
				return
			}
			if !i.sleep(ctx) {
				return
			}
			continue
		}
		if !i.send(ctx, out, Item{Query: query}) {
			return
		}
		metrics.EventsIngested.Inc()
		cur++
	}
}

// pollEvent requests exactly one event at sequence cur; nil means the event
// is not yet available.
func (i *Ingestor) pollEvent(ctx context.Context, cur uint64) (*aptos.VersionedEvent, error) {
	handleStruct := fmt.Sprintf("%s::%s::%s", i.aggerAddress.String(), types.QueryModuleName, types.EventHandlesStruct)
	events, err := i.client.EventsByHandle(ctx, i.aggerAddress, handleStruct, types.NewEventHandleField, cur, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// resolveEvent decodes the event payload and resolves the query record it
// references. The resource and table reads are both pinned to the event's
// version so contract-side mutations after the event cannot skew them.
func (i *Ingestor) resolveEvent(ctx context.Context, event *aptos.VersionedEvent, sequenceNumber uint64) (*types.UserQuery, error) {
	var newQuery newQueryEventJSON
	if err := json.Unmarshal(event.Data, &newQuery); err != nil {
		return nil, fmt.Errorf("decoding new query event %d: %w", sequenceNumber, err)
	}
	user, err := newQuery.address()
	if err != nil {
		return nil, fmt.Errorf("decoding new query event %d: %w", sequenceNumber, err)
	}

	resourceType := fmt.Sprintf("%s::%s::%s", i.aggerAddress.String(), types.QueryModuleName, types.QueriesStructName)
	raw, err := i.client.ResourceAtVersion(ctx, user, resourceType, event.Version)
	if err != nil {
		return nil, err
	}
	var queries types.Queries
	if err := bcs.Deserialize(&queries, raw); err != nil {
		return nil, fmt.Errorf("decoding %s resource: %w", resourceType, err)
	}

	valueType := fmt.Sprintf("%s::%s::%s", i.aggerAddress.String(), types.QueryModuleName, types.QueryStructName)
	item, err := i.client.TableItemAtVersion(ctx, queries.Queries.Inner.Handle,
		"u64", valueType, strconv.FormatUint(newQuery.ID, 10), event.Version)
	if err != nil {
		return nil, err
	}
	var query types.Query
	if err := bcs.Deserialize(&query, item); err != nil {
		return nil, fmt.Errorf("decoding query %d: %w", newQuery.ID, err)
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("query %d: %w", newQuery.ID, err)
	}

	return &types.UserQuery{
		Version:        event.Version,
		SequenceNumber: sequenceNumber,
		User:           user,
		ID:             newQuery.ID,
		Query:          query,
	}, nil
}

func (i *Ingestor) send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (i *Ingestor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(i.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// newQueryEventJSON is the JSON shape of NewQueryEvent as emitted by the
// events endpoint: the address a hex string, the id a decimal string.
type newQueryEventJSON struct {
	User string `json:"user"`
	ID   uint64 `json:"id,string"`
}

func (e *newQueryEventJSON) address() (types.AccountAddress, error) {
	var addr types.AccountAddress
	if err := addr.ParseStringRelaxed(e.User); err != nil {
		return addr, fmt.Errorf("parsing user address %q: %w", e.User, err)
	}
	return addr, nil
}
