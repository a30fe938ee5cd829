// Copyright 2025 Agger Protocol

package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zkmove/agger/pkg/types"
)

func TestResolveBaseURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"mainnet", MainnetURL, true},
		{"Testnet", TestnetURL, true},
		{" devnet ", DevnetURL, true},
		{"http://localhost:8080/v1", "http://localhost:8080/v1", true},
		{"http://localhost:8080/v1/", "http://localhost:8080/v1", true},
		{"not a url", "", false},
	}
	for _, c := range cases {
		got, err := ResolveBaseURL(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ResolveBaseURL(%q) = %q, %v; want %q", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ResolveBaseURL(%q) should fail", c.in)
		}
	}
}

func TestEventsByHandle(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		io.WriteString(w, `[
			{"version":"1234","sequence_number":"7","type":"0x1::query::NewQueryEvent","data":{"id":"3"}}
		]`)
	}))
	defer server.Close()

	var addr types.AccountAddress
	addr[31] = 1
	client := NewClient(server.URL)
	events, err := client.EventsByHandle(context.Background(), addr, "0x1::query::EventHandles", "new_event_handle", 7, 1)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Version != 1234 || events[0].SequenceNumber != 7 {
		t.Errorf("decimal-string fields decoded wrong: %+v", events[0])
	}
	if !strings.Contains(gotPath, "/events/") || !strings.Contains(gotPath, "start=7&limit=1") {
		t.Errorf("unexpected request path %q", gotPath)
	}
}

func TestResourceAtVersionRequestsBCS(t *testing.T) {
	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "application/x-bcs" {
			t.Errorf("resource read must request BCS, got Accept %q", accept)
		}
		if !strings.Contains(r.URL.RawQuery, "ledger_version=42") {
			t.Errorf("read not pinned: %q", r.URL.RawQuery)
		}
		w.Write(raw)
	}))
	defer server.Close()

	var addr types.AccountAddress
	client := NewClient(server.URL)
	got, err := client.ResourceAtVersion(context.Background(), addr, "0x1::query::Queries", 42)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("resource bytes altered in transit")
	}
}

func TestTableItemAtVersion(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("table read must POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte{0x01})
	}))
	defer server.Close()

	var handle types.AccountAddress
	client := NewClient(server.URL)
	_, err := client.TableItemAtVersion(context.Background(), handle, "u64", "0x1::query::Query", "18446744073709551615", 9)
	if err != nil {
		t.Fatalf("table item: %v", err)
	}
	// u64 keys travel as decimal strings.
	if gotBody["key"] != "18446744073709551615" || gotBody["key_type"] != "u64" {
		t.Errorf("unexpected table request %+v", gotBody)
	}
}

func TestView(t *testing.T) {
	var gotBody struct {
		Function  string `json:"function"`
		Arguments []any  `json:"arguments"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		io.WriteString(w, `["0xaabb"]`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	values, err := client.View(context.Background(), "0x1::registry::get_module", nil,
		[]any{HexArg([]byte{0xAA}), uint16(3)}, 5)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("got %d values, want 1", len(values))
	}
	if gotBody.Function != "0x1::registry::get_module" {
		t.Errorf("function: %q", gotBody.Function)
	}
	if gotBody.Arguments[0] != "0xaa" {
		t.Errorf("byte argument must be 0x-prefixed hex, got %v", gotBody.Arguments[0])
	}
}

func TestErrorsSurfaceAsLedgerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"account not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	var addr types.AccountAddress
	client := NewClient(server.URL)
	_, err := client.ResourceAtVersion(context.Background(), addr, "0x1::query::Queries", 1)
	var lerr *LedgerError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LedgerError, got %T: %v", err, err)
	}
	if lerr.Status != http.StatusNotFound || lerr.Op != "resource" {
		t.Errorf("unexpected LedgerError: %+v", lerr)
	}
}
