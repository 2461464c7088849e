package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerify_SuccessNestedData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/transaction/verify/tana-abc" {
			t.Fatalf("path = %s, want /transaction/verify/tana-abc", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-secret" {
			t.Fatalf("authorization = %q", auth)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"status":   "success",
				"amount":   500.0,
				"currency": "ETB",
				"meta":     map[string]string{"vehicle_id": "abc"},
			},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-secret")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.Verify(ctx, "tana-abc")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusSuccessful {
		t.Fatalf("status = %s, want %s", res.Status, StatusSuccessful)
	}
	if res.AmountCents != 50000 {
		t.Fatalf("amount = %d, want 50000", res.AmountCents)
	}
	if res.Currency != "ETB" {
		t.Fatalf("currency = %q, want ETB", res.Currency)
	}
	if res.Meta["vehicle_id"] != "abc" {
		t.Fatalf("meta = %+v", res.Meta)
	}
}

func TestVerify_FlatShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "successful",
			"amount":   120.5,
			"currency": "ETB",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret")

	res, err := client.Verify(context.Background(), "tana-1")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusSuccessful {
		t.Fatalf("status = %s, want %s", res.Status, StatusSuccessful)
	}
	if res.AmountCents != 12050 {
		t.Fatalf("amount = %d, want 12050", res.AmountCents)
	}
}

func TestVerify_ProcessingIsPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "processing",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret")

	res, err := client.Verify(context.Background(), "tana-1")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("status = %s, want %s", res.Status, StatusPending)
	}
}

func TestVerify_NotFoundIsPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret")

	res, err := client.Verify(context.Background(), "tana-unknown")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("status = %s, want %s", res.Status, StatusPending)
	}
}

func TestVerify_UnreachableGatewayIsPending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	client := NewClient(ts.URL, "secret")

	res, err := client.Verify(context.Background(), "tana-1")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("status = %s, want %s", res.Status, StatusPending)
	}
}

func TestInitialize_ReturnsCheckoutURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/transaction/initialize" {
			t.Fatalf("path = %s", r.URL.Path)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["amount"] != "500.00" {
			t.Fatalf("amount = %v, want 500.00", body["amount"])
		}
		if body["tx_ref"] != "tana-1" {
			t.Fatalf("tx_ref = %v", body["tx_ref"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"checkout_url": "https://pay.example/checkout/1"},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "secret")

	url, err := client.Initialize(context.Background(), InitializeRequest{
		AmountCents: 50000,
		Currency:    "ETB",
		TxRef:       "tana-1",
		Meta:        map[string]string{"vehicle_id": "v1"},
	})
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if url != "https://pay.example/checkout/1" {
		t.Fatalf("checkout url = %q", url)
	}
}

func TestInitialize_UpstreamErrorCarriesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "bad-secret")

	_, err := client.Initialize(context.Background(), InitializeRequest{
		AmountCents: 100,
		Currency:    "ETB",
		TxRef:       "tana-1",
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want %d", se.Code, http.StatusUnauthorized)
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		input string
		want  Status
	}{
		{"success", StatusSuccessful},
		{"Successful", StatusSuccessful},
		{"pending", StatusPending},
		{"processing", StatusPending},
		{"", StatusPending},
		{"failed", StatusFailed},
		{"cancelled", StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := MapStatus(tt.input); got != tt.want {
				t.Fatalf("MapStatus(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}
