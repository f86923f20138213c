package voice

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenManagerFetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Token request method %s, want POST", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("Missing configured header, got %q", r.Header.Get("X-Api-Key"))
		}
		hits.Add(1)
		expires := time.Now().Add(time.Hour).UnixMilli()
		fmt.Fprintf(w, `{"token":"tok-%d","expiresAt":%d}`, hits.Load(), expires)
	}))
	defer server.Close()

	tm := NewTokenManager(server.URL, map[string]string{"X-Api-Key": "secret"})

	first, err := tm.GetToken()
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if first != "tok-1" {
		t.Errorf("Token = %q", first)
	}

	// Far from expiry, the cached token is reused.
	second, err := tm.GetToken()
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if second != first {
		t.Errorf("Cache miss: %q then %q", first, second)
	}
	if hits.Load() != 1 {
		t.Errorf("Endpoint hit %d times, want 1", hits.Load())
	}
}

func TestTokenManagerRefreshesNearExpiry(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Already inside the refresh buffer.
		expires := time.Now().Add(10 * time.Second).UnixMilli()
		fmt.Fprintf(w, `{"token":"tok-%d","expiresAt":%d}`, hits.Load(), expires)
	}))
	defer server.Close()

	tm := NewTokenManager(server.URL, nil)

	tm.GetToken()
	tm.GetToken()

	if hits.Load() != 2 {
		t.Errorf("Endpoint hit %d times, want a refresh each call", hits.Load())
	}
}

func TestTokenManagerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			"http error status",
			func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
		},
		{
			"empty token",
			func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"token":""}`) },
		},
		{
			"garbage body",
			func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `not json`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			tm := NewTokenManager(server.URL, nil)
			_, err := tm.GetToken()
			if !IsErrorCode(err, ErrCodeTokenFailed) {
				t.Fatalf("Got %v, want %s", err, ErrCodeTokenFailed)
			}
		})
	}
}
