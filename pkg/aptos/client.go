// Copyright 2025 Agger Protocol
//
// REST client against an Aptos fullnode. Every read the node performs is
// pinned to an explicit ledger version so that a query event and the state
// it references are resolved against the same snapshot.

package aptos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zkmove/agger/pkg/types"
)

// Fullnode endpoints for the named networks; anything else passed to
// ResolveBaseURL must parse as a URL.
const (
	MainnetURL = "https://fullnode.mainnet.aptoslabs.com/v1"
	TestnetURL = "https://fullnode.testnet.aptoslabs.com/v1"
	DevnetURL  = "https://fullnode.devnet.aptoslabs.com/v1"

	bcsContentType = "application/x-bcs"

	defaultTimeout = 30 * time.Second
)

// VersionedEvent is one event read off an event handle.
type VersionedEvent struct {
	Version        uint64
	SequenceNumber uint64
	Data           json.RawMessage
}

// Client is the capability set the pipeline consumes from the ledger.
// The production implementation is RestClient; tests substitute fakes.
type Client interface {
	// EventsByHandle returns at most limit events starting at sequence
	// start. An empty slice means the events are not yet available.
	EventsByHandle(ctx context.Context, address types.AccountAddress, handleStruct, fieldName string, start, limit uint64) ([]VersionedEvent, error)

	// ResourceAtVersion returns the BCS-encoded resource of the given type
	// under the account, at the given ledger version.
	ResourceAtVersion(ctx context.Context, address types.AccountAddress, resourceType string, version uint64) ([]byte, error)

	// TableItemAtVersion returns the BCS-encoded table value for key, at the
	// given ledger version. Keys for u64 tables are decimal strings per the
	// on-chain convention for large integers.
	TableItemAtVersion(ctx context.Context, handle types.AccountAddress, keyType, valueType, key string, version uint64) ([]byte, error)

	// View executes a read-only on-chain function at the given version and
	// returns its JSON-encoded return values.
	View(ctx context.Context, function string, typeArgs []string, args []any, version uint64) ([]json.RawMessage, error)
}

// ResolveBaseURL maps a preset name (mainnet, testnet, devnet) or a raw URL
// to the fullnode base URL.
func ResolveBaseURL(rpc string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(rpc)) {
	case "mainnet":
		return MainnetURL, nil
	case "testnet":
		return TestnetURL, nil
	case "devnet":
		return DevnetURL, nil
	}
	u, err := url.Parse(strings.TrimSpace(rpc))
	if err != nil {
		return "", fmt.Errorf("invalid aptos rpc %q: %w", rpc, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid aptos rpc %q: missing scheme or host", rpc)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// RestClient implements Client over the fullnode HTTP API. It is cheap to
// copy and safe for concurrent use.
type RestClient struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a RestClient for the given base URL (see ResolveBaseURL).
func NewClient(baseURL string) *RestClient {
	return &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// uint64String decodes the fullnode's decimal-string encoding of u64 values.
type uint64String uint64

func (u *uint64String) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("decoding u64 %q: %w", s, err)
	}
	*u = uint64String(v)
	return nil
}

type rawEvent struct {
	Version        uint64String    `json:"version"`
	SequenceNumber uint64String    `json:"sequence_number"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

func (c *RestClient) EventsByHandle(ctx context.Context, address types.AccountAddress, handleStruct, fieldName string, start, limit uint64) ([]VersionedEvent, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/events/%s/%s?start=%d&limit=%d",
		c.baseURL, address.String(), url.PathEscape(handleStruct), url.PathEscape(fieldName), start, limit)
	body, err := c.get(ctx, "events", endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	var raw []rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ledgerErr("events", endpoint, 0, fmt.Errorf("decoding events: %w", err))
	}
	events := make([]VersionedEvent, 0, len(raw))
	for _, e := range raw {
		events = append(events, VersionedEvent{
			Version:        uint64(e.Version),
			SequenceNumber: uint64(e.SequenceNumber),
			Data:           e.Data,
		})
	}
	return events, nil
}

func (c *RestClient) ResourceAtVersion(ctx context.Context, address types.AccountAddress, resourceType string, version uint64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/resource/%s?ledger_version=%d",
		c.baseURL, address.String(), url.PathEscape(resourceType), version)
	return c.get(ctx, "resource", endpoint, bcsContentType)
}

func (c *RestClient) TableItemAtVersion(ctx context.Context, handle types.AccountAddress, keyType, valueType, key string, version uint64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/tables/%s/item?ledger_version=%d", c.baseURL, handle.String(), version)
	req := map[string]string{
		"key_type":   keyType,
		"value_type": valueType,
		"key":        key,
	}
	return c.post(ctx, "table_item", endpoint, req, bcsContentType, nil)
}

func (c *RestClient) View(ctx context.Context, function string, typeArgs []string, args []any, version uint64) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/view?ledger_version=%d", c.baseURL, version)
	if typeArgs == nil {
		typeArgs = []string{}
	}
	if args == nil {
		args = []any{}
	}
	req := map[string]any{
		"function":       function,
		"type_arguments": typeArgs,
		"arguments":      args,
	}
	var out []json.RawMessage
	if _, err := c.post(ctx, "view", endpoint, req, "application/json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HexArg encodes a byte argument for a view call as a 0x-prefixed hex string.
func HexArg(b []byte) string {
	return hexutil.Encode(b)
}

func (c *RestClient) get(ctx context.Context, op, endpoint, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, ledgerErr(op, endpoint, 0, err)
	}
	req.Header.Set("Accept", accept)
	return c.do(op, req)
}

func (c *RestClient) post(ctx context.Context, op, endpoint string, payload any, accept string, out any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, ledgerErr(op, endpoint, 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, ledgerErr(op, endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	raw, err := c.do(op, req)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, ledgerErr(op, endpoint, 0, fmt.Errorf("decoding response: %w", err))
		}
	}
	return raw, nil
}

func (c *RestClient) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ledgerErr(op, req.URL.String(), 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ledgerErr(op, req.URL.String(), resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ledgerErr(op, req.URL.String(), resp.StatusCode,
			fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))))
	}
	return body, nil
}
