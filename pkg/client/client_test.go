package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScheduledRewards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scheduled-rewards" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"0x744114c9B1AE9A6cb345a199C079D0BDbf3d755c": "4566",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	balances, err := c.ScheduledRewards(context.Background())
	if err != nil {
		t.Fatalf("ScheduledRewards: %v", err)
	}
	if balances["0x744114c9B1AE9A6cb345a199C079D0BDbf3d755c"] != "4566" {
		t.Errorf("unexpected balances %v", balances)
	}
}

func TestScheduledRewardsOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scheduled-rewards/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode("123")
	}))
	defer srv.Close()

	got, err := New(srv.URL).ScheduledRewardsOf(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("ScheduledRewardsOf: %v", err)
	}
	if got != "123" {
		t.Errorf("got %q, want 123", got)
	}
}

func TestReportPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/paid" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Participants []string  `json:"participants"`
			Rewards      []string  `json:"rewards"`
			Signature    Signature `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.Participants) != 1 || body.Rewards[0] != "4566" || body.Signature.V != 27 {
			t.Errorf("unexpected body %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{body.Participants[0]: "0"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	balances, err := c.ReportPaid(context.Background(),
		[]string{"0x744114c9B1AE9A6cb345a199C079D0BDbf3d755c"},
		[]string{"4566"},
		Signature{V: 27, R: "0x01", S: "0x02"})
	if err != nil {
		t.Fatalf("ReportPaid: %v", err)
	}
	if balances["0x744114c9B1AE9A6cb345a199C079D0BDbf3d755c"] != "0" {
		t.Errorf("unexpected balances %v", balances)
	}
}

func TestLogPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("after"); got != "7" {
			t.Errorf("after=%s, want 7", got)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit=%s, want 2", got)
		}
		json.NewEncoder(w).Encode([]LogEntry{
			{Position: 8, Address: "0xabc", Score: "10", Delta: "4566"},
			{Position: 9, Address: "0xabc", Delta: "-4566"},
		})
	}))
	defer srv.Close()

	entries, err := New(srv.URL).Log(context.Background(), 7, 2)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(entries) != 2 || entries[0].Position != 8 || entries[1].Score != "" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ReportPaid(context.Background(), []string{"0xabc"}, []string{"1"}, Signature{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status %d, want 403", apiErr.StatusCode)
	}
}
