package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
)

// testClient builds a client pointed at a mock server
func testClient(t *testing.T, server *httptest.Server, requestsPerMinute int) *Client {
	t.Helper()

	c, err := NewClient(config.MarketplaceConfig{
		BaseURL:        server.URL,
		TimeoutSeconds: 5,
	}, requestsPerMinute, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetHTTPClient(server.Client())
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(config.MarketplaceConfig{}, 0, nil)
	if err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"401 is an auth failure", http.StatusUnauthorized, errors.IsAuthError},
		{"403 is an auth failure", http.StatusForbidden, errors.IsAuthError},
		{"404 means the resource is gone", http.StatusNotFound, errors.IsNotFoundError},
		{"429 is server throttling", http.StatusTooManyRequests, errors.IsRateLimited},
		{"500 is transient", http.StatusInternalServerError, errors.IsRetryable},
		{"503 is transient", http.StatusServiceUnavailable, errors.IsRetryable},
		{"408 is transient", http.StatusRequestTimeout, errors.IsRetryable},
		{"422 is terminal", http.StatusUnprocessableEntity, errors.IsTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			c := testClient(t, server, 0)
			err := c.getJSON(context.Background(), "/api/jobs/search", nil, nil)
			if err == nil {
				t.Fatalf("expected error for HTTP %d", tt.status)
			}
			if !tt.check(err) {
				t.Errorf("HTTP %d classified wrong: %v", tt.status, err)
			}
		})
	}
}

func TestClient_DuplicateConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"already_applied"}`, http.StatusConflict)
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	err := c.postJSON(context.Background(), "/api/jobs/j1/apply", nil, nil)
	if !errors.Is(err, errDuplicate) {
		t.Errorf("expected duplicate classification for 409, got %v", err)
	}
}

func TestClient_RetryAfterSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	err := c.getJSON(context.Background(), "/api/jobs/search", nil, nil)
	if !errors.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if got := RetryAfterHint(err); got != 90*time.Second {
		t.Errorf("RetryAfterHint = %s, want 90s", got)
	}
}

func TestClient_RetryAfterHTTPDate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", time.Now().Add(2*time.Minute).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	err := c.getJSON(context.Background(), "/api/jobs/search", nil, nil)
	if !errors.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}

	got := RetryAfterHint(err)
	if got <= time.Minute || got > 2*time.Minute {
		t.Errorf("RetryAfterHint = %s, want just under 2m", got)
	}
}

func TestClient_RetryAfterMissingHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	err := c.getJSON(context.Background(), "/api/jobs/search", nil, nil)
	if !errors.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if got := RetryAfterHint(err); got != 0 {
		t.Errorf("RetryAfterHint = %s, want 0 when the server names no cooldown", got)
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := testClient(t, server, 0)
	server.Close() // now every request fails at the transport

	err := c.getJSON(context.Background(), "/api/jobs/search", nil, nil)
	if !errors.IsRetryable(err) {
		t.Errorf("expected transient classification for a dead server, got %v", err)
	}
}

func TestClient_CancellationPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.getJSON(ctx, "/api/jobs/search", nil, nil)
	if err == nil {
		t.Fatal("expected error for cancelled request")
	}
	if errors.IsRetryable(err) {
		t.Errorf("cancellation must not classify as transient: %v", err)
	}
}

func TestClient_SendsIdentityHeaders(t *testing.T) {
	var gotUA, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	if err := c.getJSON(context.Background(), "/api/me", nil, nil); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if !strings.HasPrefix(gotUA, "ronin/") {
		t.Errorf("User-Agent = %q, want ronin/ prefix", gotUA)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestClient_CookiesPersistAcrossRequests(t *testing.T) {
	var sawCookie bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			http.SetCookie(w, &http.Cookie{Name: "ronin_session", Value: "tok-1", Path: "/"})
			w.Write([]byte(`{}`))
		default:
			if c, err := r.Cookie("ronin_session"); err == nil && c.Value == "tok-1" {
				sawCookie = true
			}
			w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	if err := c.postJSON(context.Background(), "/api/login", nil, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := c.getJSON(context.Background(), "/api/me", nil, nil); err != nil {
		t.Fatalf("me: %v", err)
	}
	if !sawCookie {
		t.Error("session cookie was not replayed on the second request")
	}
}

func TestClient_ClearCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ronin_session", Value: "tok-1", Path: "/"})
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := testClient(t, server, 0)
	if err := c.getJSON(context.Background(), "/api/login", nil, nil); err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(c.Cookies()) == 0 {
		t.Fatal("expected a cookie after login")
	}

	if err := c.ClearCookies(); err != nil {
		t.Fatalf("ClearCookies: %v", err)
	}
	if len(c.Cookies()) != 0 {
		t.Error("cookies survived ClearCookies")
	}
}

func TestClient_RateLimiterSpacesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	// 6000 rpm = 100 req/s = 10ms spacing with burst 1
	c := testClient(t, server, 6000)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := c.getJSON(context.Background(), "/api/me", nil, nil); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("three requests took %s, limiter should have spaced them to at least 20ms", elapsed)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"60", time.Minute},
		{"-5", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
