package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qrisgate/server/internal/config"
)

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:                    baseURL,
		Timeout:                    config.Duration{Duration: 2 * time.Second},
		BreakerConsecutiveFailures: 3,
		BreakerOpenTimeout:         config.Duration{Duration: 100 * time.Millisecond},
	}
}

func TestFetchCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mutasi/alice" {
			t.Errorf("path = %s, want /api/mutasi/alice", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"amount":10007,"status":"IN"},{"amount":500,"status":"OUT"}]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	credits, err := client.FetchCredits(context.Background(), "alice", "tok123")
	if err != nil {
		t.Fatalf("FetchCredits: %v", err)
	}
	if len(credits) != 2 {
		t.Fatalf("got %d credits, want 2", len(credits))
	}
	if credits[0].Amount != 10007 || credits[0].Status != CreditIn {
		t.Errorf("first credit = %+v", credits[0])
	}
}

func TestFetchCreditsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	if _, err := client.FetchCredits(context.Background(), "alice", "tok"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.FetchCredits(ctx, "alice", "tok"); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Circuit is now open; the request must fail without touching the server.
	srv.Close()
	if _, err := client.FetchCredits(ctx, "alice", "tok"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open-circuit error = %v, want ErrUnavailable", err)
	}
}
