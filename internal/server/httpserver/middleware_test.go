package httpserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/mailsync-go/internal/telemetry/logger"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T) (*slog.Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	l, err := logger.New(logger.Config{Level: "debug", Format: "json", Output: buf})
	if err != nil {
		t.Fatal(err)
	}
	return l, buf
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	log, _ := newTestLogger(t)
	var seen string
	h := RequestID(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates request ID when not provided", func(t *testing.T) {
		rec := serve(h, "")
		id := rec.Header().Get(HeaderRequestID)
		if !strings.HasPrefix(id, "req-") || len(id) != len("req-")+36 {
			t.Errorf("X-Request-ID = %q", id)
		}
		if seen != id {
			t.Errorf("context id = %q, header %q", seen, id)
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, "existing-id-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get(HeaderRequestID); got != "existing-id-123" {
			t.Errorf("X-Request-ID = %q", got)
		}
	})

	t.Run("replaces oversized request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(HeaderRequestID, strings.Repeat("x", 200))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get(HeaderRequestID); !strings.HasPrefix(got, "req-") {
			t.Errorf("X-Request-ID = %q", got)
		}
	})
}

func TestChain(t *testing.T) {
	var order []int
	mark := func(n int) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, n)
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(Chain(okHandler, mark(1), mark(2), mark(3)), "")
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestRecover(t *testing.T) {
	log, buf := newTestLogger(t)
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := serve(Chain(panicking, RequestID(log), Recover()), "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if id, _ := body["request_id"].(string); body["code"] != "MS-SYS-5000" || id == "" {
		t.Errorf("body = %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestAccessLog(t *testing.T) {
	log, buf := newTestLogger(t)
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	})

	serve(Chain(failing, RequestID(log), AccessLog()), "")

	out := buf.String()
	if !strings.Contains(out, "request completed with error") || !strings.Contains(out, `"status":502`) {
		t.Errorf("log = %s", out)
	}
	if !strings.Contains(out, `"request_id":"req-`) {
		t.Errorf("log missing request id: %s", out)
	}
}

type recordedRequest struct {
	method, route string
	status        int
}

type fakeRecorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (f *fakeRecorder) RecordRequest(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	f.reqs = append(f.reqs, recordedRequest{method, route, status})
	f.mu.Unlock()
}

func TestInstrument(t *testing.T) {
	rec := &fakeRecorder{}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	serve(Instrument("GET /v1/folders/{folder}/items", rec)(notFound), "")
	if len(rec.reqs) != 1 {
		t.Fatalf("recorded %d requests", len(rec.reqs))
	}
	if got := rec.reqs[0]; got.route != "GET /v1/folders/{folder}/items" || got.status != http.StatusNotFound || got.method != http.MethodGet {
		t.Errorf("recorded %+v", got)
	}

	if h := Instrument("x", nil)(okHandler); serve(h, "").Code != http.StatusOK {
		t.Error("nil recorder should pass through")
	}
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	h := RateLimit(limiter)(okHandler)

	for i := 0; i < 2; i++ {
		if rec := serve(h, "192.0.2.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := serve(h, "192.0.2.1:1234")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Errorf("over limit = %d", rec.Code)
	}
	if rec.Header().Get("X-Error-Code") != CodeRateLimited {
		t.Errorf("X-Error-Code = %q", rec.Header().Get("X-Error-Code"))
	}

	if rec := serve(h, "192.0.2.2:1234"); rec.Code != http.StatusOK {
		t.Errorf("other client = %d", rec.Code)
	}
	if limiter.Clients() != 2 {
		t.Errorf("Clients() = %d", limiter.Clients())
	}

	if rec := serve(RateLimit(nil)(okHandler), ""); rec.Code != http.StatusOK {
		t.Errorf("nil limiter = %d", rec.Code)
	}
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	l := NewRateLimiter(1, 0)
	if !l.Allow("a") {
		t.Error("first request should pass with burst raised to one")
	}
	if l.Allow("a") {
		t.Error("second request should be limited")
	}
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	l := NewRateLimiter(1000, 1)
	l.Allow("idle")
	time.Sleep(10 * time.Millisecond)
	l.evictIdle()
	if l.Clients() != 0 {
		t.Errorf("Clients() = %d after evicting refilled limiter", l.Clients())
	}
}

func TestRateLimitConcurrency(t *testing.T) {
	limiter := NewRateLimiter(0.001, 50)
	h := RateLimit(limiter)(okHandler)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if serve(h, "192.0.2.9:1").Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestNetworkACL(t *testing.T) {
	log, buf := newTestLogger(t)

	acl, err := NetworkACL([]string{"10.0.0.0/8", "192.0.2.7", "::1"}, log)
	if err != nil {
		t.Fatal(err)
	}
	h := acl(okHandler)

	tests := []struct {
		addr string
		want int
	}{
		{"10.1.2.3:5555", http.StatusOK},
		{"192.0.2.7:5555", http.StatusOK},
		{"[::1]:5555", http.StatusOK},
		{"192.0.2.8:5555", http.StatusForbidden},
		{"[2001:db8::1]:5555", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if rec := serve(h, tt.addr); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if !strings.Contains(buf.String(), "request denied by network ACL") {
		t.Error("denial not logged")
	}

	t.Run("empty list allows all", func(t *testing.T) {
		acl, err := NetworkACL(nil, log)
		if err != nil {
			t.Fatal(err)
		}
		if rec := serve(acl(okHandler), "203.0.113.5:1"); rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("invalid entries", func(t *testing.T) {
		for _, entry := range []string{"10.0.0.0/40", "not-an-ip"} {
			if _, err := NetworkACL([]string{entry}, log); err == nil {
				t.Errorf("NetworkACL(%q) should fail", entry)
			}
		}
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	if got := clientIP(req); got != "198.51.100.4" {
		t.Errorf("clientIP() = %q", got)
	}

	req.RemoteAddr = "pipe"
	if got := clientIP(req); got != "pipe" {
		t.Errorf("clientIP() = %q", got)
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	w.WriteHeader(http.StatusCreated)
	if w.statusCode != http.StatusCreated || rec.Code != http.StatusCreated {
		t.Errorf("status = %d / %d", w.statusCode, rec.Code)
	}
	if w.Unwrap() != rec {
		t.Error("Unwrap() should return the wrapped writer")
	}
}
