package csms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPIntrospectorResolvesActiveToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["token"] != "tok-1" {
			t.Errorf("unexpected token %q", req["token"])
		}
		json.NewEncoder(w).Encode(introspectionResponse{Active: true, Username: "alice"})
	}))
	defer server.Close()

	identity, err := NewHTTPIntrospector(server.URL, nil).Introspect(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if identity.Username != "alice" {
		t.Errorf("expected alice, got %q", identity.Username)
	}
}

func TestHTTPIntrospectorRejectsInactiveToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(introspectionResponse{Active: false})
	}))
	defer server.Close()

	_, err := NewHTTPIntrospector(server.URL, nil).Introspect(context.Background(), "tok-1")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHTTPIntrospectorEndpointError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewHTTPIntrospector(server.URL, nil).Introspect(context.Background(), "tok-1")
	if err == nil || errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected transport-level error, got %v", err)
	}
}

func TestCachingIntrospectorMemoizesVerdicts(t *testing.T) {
	inner := &fakeIntrospector{tokens: map[string]Identity{"tok-1": {Username: "alice"}}}
	cached, err := NewCachingIntrospector(inner, 16, time.Minute)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	for i := 0; i < 3; i++ {
		identity, err := cached.Introspect(context.Background(), "tok-1")
		if err != nil || identity.Username != "alice" {
			t.Fatalf("introspect %d: %v %+v", i, err, identity)
		}
	}
	if inner.callCount() != 1 {
		t.Errorf("expected single upstream call, got %d", inner.callCount())
	}

	// Rejections are cached too.
	for i := 0; i < 3; i++ {
		if _, err := cached.Introspect(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if inner.callCount() != 2 {
		t.Errorf("expected one upstream call for the rejected token, got %d", inner.callCount()-1)
	}
}

func TestCachingIntrospectorSkipsTransientFailures(t *testing.T) {
	inner := &fakeIntrospector{failWith: errors.New("connection refused")}
	cached, err := NewCachingIntrospector(inner, 16, time.Minute)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := cached.Introspect(context.Background(), "tok-1"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.callCount() != 2 {
		t.Errorf("transient failures must not be cached, got %d calls", inner.callCount())
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := BearerToken(r); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer tok-1")
	if got := BearerToken(r); got != "tok-1" {
		t.Errorf("expected tok-1, got %q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcg==")
	if got := BearerToken(r); got != "" {
		t.Errorf("non-bearer scheme should yield empty token, got %q", got)
	}
}
