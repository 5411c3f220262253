package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

func TestRateLimitedSearchReturns429(t *testing.T) {
	svc := &searchFake{err: &domain.RateLimitError{ClientID: "10.1.1.1", RetryAfter: 1200 * time.Millisecond}}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/search?query=react", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}
	if got := res.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After rounded up to 2s, got %q", got)
	}
	var body errorBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RetryAfterMS != 1200 {
		t.Fatalf("expected retry_after_ms=1200, got %d", body.RetryAfterMS)
	}
}

func TestClientIDHeaderIdentifiesCaller(t *testing.T) {
	svc := &searchFake{}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/search?query=react", nil)
	req.Header.Set("X-Client-Id", "agent-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/v1/search?query=react", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if svc.callers[0].ClientID != "agent-7" || svc.callers[1].ClientID != "192.0.2.10" {
		t.Fatalf("unexpected client ids: %+v", svc.callers)
	}
	if svc.callers[0].RequestID == "" {
		t.Fatalf("request id must be propagated to the caller")
	}
}

func TestBackpressureMiddlewareReturns503WhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	handler := backpressureMiddleware(base, 1, 20*time.Millisecond)

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/search", nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		done <- res.Code
	}()

	<-started

	req2 := httptest.NewRequest(http.MethodGet, "/v1/search", nil)
	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, req2)
	if res2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for saturated backpressure gate, got %d", res2.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(bytes.NewReader(res2.Body.Bytes())).Decode(&resp); err != nil {
		t.Fatalf("decode overload response: %v", err)
	}
	if resp["error"] == "" {
		t.Fatalf("expected overload error message in response")
	}

	close(release)

	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Fatalf("first request expected 204, got %d", code)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timed out waiting for first request completion")
	}
}
