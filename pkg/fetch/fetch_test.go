package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testPolicy(attempts int) Policy {
	return Policy{
		Attempts:       attempts,
		Delay:          time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	payload := []byte("toolchain bits")
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "flaky mirror", http.StatusBadGateway)
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	fetcher := New(testPolicy(5))
	result, err := fetcher.Fetch(context.Background(), server.URL, t.TempDir())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer os.Remove(result.Path)

	if got := hits.Load(); got != 3 {
		t.Fatalf("server hits = %d, want 3", got)
	}
	if result.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", result.Attempts)
	}
	if result.Size != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", result.Size, len(payload))
	}

	sum := sha256.Sum256(payload)
	if result.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("SHA256 = %s, want %s", result.SHA256, hex.EncodeToString(sum[:]))
	}

	data, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("downloaded content = %q, want %q", data, payload)
	}
}

func TestFetchExhausted(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := New(testPolicy(3))
	result, err := fetcher.Fetch(context.Background(), server.URL, t.TempDir())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Fetch() error = %v, want ErrExhausted", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("server hits = %d, want exactly 3", got)
	}
	if result.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestFetchClientErrorIsTerminal(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	fetcher := New(testPolicy(5))
	_, err := fetcher.Fetch(context.Background(), server.URL, t.TempDir())
	if err == nil {
		t.Fatal("Fetch() expected error for 404")
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatalf("404 should not be reported as exhaustion: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hits = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestFetchDeadlineNotReportedAsExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	fetcher := New(Policy{Attempts: 5, Delay: 500 * time.Millisecond, AttemptTimeout: 5 * time.Second})
	_, err := fetcher.Fetch(ctx, server.URL, t.TempDir())
	if err == nil {
		t.Fatal("Fetch() expected error after deadline")
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatalf("deadline expiry misreported as exhaustion: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestValidateLocator(t *testing.T) {
	tests := []struct {
		name    string
		locator string
		wantErr bool
	}{
		{name: "https", locator: "https://mirror.example/toolchain.tar.zst"},
		{name: "http", locator: "http://mirror.example/toolchain.tar.xz"},
		{name: "empty", locator: "", wantErr: true},
		{name: "no host", locator: "https://", wantErr: true},
		{name: "bad scheme", locator: "ftp://mirror.example/x", wantErr: true},
		{name: "garbage", locator: "::not-a-url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLocator(tt.locator)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateLocator(%q) error = %v, wantErr %v", tt.locator, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidLocator) {
				t.Fatalf("error %v should wrap ErrInvalidLocator", err)
			}
		})
	}
}

func TestFetchInvalidLocator(t *testing.T) {
	fetcher := New(testPolicy(3))
	_, err := fetcher.Fetch(context.Background(), "ftp://mirror.example/x", t.TempDir())
	if !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("Fetch() error = %v, want ErrInvalidLocator", err)
	}
}
