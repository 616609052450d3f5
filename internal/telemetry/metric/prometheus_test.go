package metric

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/mailsync-go/internal/core/domain"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.registry == nil {
		t.Fatal("registry field is nil")
	}
	if r.EventsAppended == nil || r.Loads == nil || r.RequestDuration == nil {
		t.Error("metrics not initialized")
	}
}

func TestGlobal(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance")
	}
}

func TestHandler(t *testing.T) {
	body := scrape(t, Handler())

	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go_goroutines metric")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process metrics")
	}
}

func TestSyncMetrics(t *testing.T) {
	r := NewRegistry()

	r.EventAppended(domain.EventRead)
	r.EventAppended(domain.EventRead)
	r.EventAppended(domain.EventReceived)
	r.SnapshotSaved(domain.SnapshotCompacted)
	r.LoadCompleted("snapshot", false, 20*time.Millisecond)
	r.LoadCompleted("bypass", true, time.Second)
	r.ReplayAnomaly("INBOX")

	if got := testutil.ToFloat64(r.EventsAppended.WithLabelValues("read")); got != 2 {
		t.Errorf("events_appended_total{type=read} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.Loads.WithLabelValues("bypass", "true")); got != 1 {
		t.Errorf("sync_loads_total{bypass,true} = %v, want 1", got)
	}

	body := scrape(t, r.Handler())
	for _, want := range []string{
		`mailsync_events_appended_total{type="received"} 1`,
		`mailsync_snapshots_saved_total{kind="compacted"} 1`,
		`mailsync_replay_anomalies_total{partition="INBOX"} 1`,
		`mailsync_sync_load_duration_seconds_count{source="snapshot"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s", want)
		}
	}
}

func TestRemoteAndEncoderMetrics(t *testing.T) {
	r := NewRegistry()

	r.RemoteCommandFailed("move")
	r.RemoteFetchFailed("list_since")
	r.RemoteFetchFailed("list_since")
	r.ObserveEncoderStage(domain.QualityStripped)

	body := scrape(t, r.Handler())
	for _, want := range []string{
		`mailsync_remote_command_failures_total{op="move"} 1`,
		`mailsync_remote_fetch_failures_total{op="list_since"} 2`,
		`mailsync_encoder_stage_total{stage="3"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s", want)
		}
	}
}

func TestRequestMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordRequest("GET", "/v1/folders/{folder}/items", 200, 5*time.Millisecond)
	r.RecordRequest("POST", "/v1/folders/{folder}/items/{id}/read", 503, time.Millisecond)

	body := scrape(t, r.Handler())
	if !strings.Contains(body, `mailsync_http_requests_total{method="GET",route="/v1/folders/{folder}/items",status="200"} 1`) {
		t.Error("expected http_requests_total for GET 200")
	}
	if !strings.Contains(body, "mailsync_http_request_duration_seconds_bucket") {
		t.Error("expected http_request_duration_seconds_bucket")
	}
}

type stubState struct {
	seq    uint64
	counts map[string]int
	err    error
}

func (s stubState) CurrentSequence(context.Context) (uint64, error) { return s.seq, s.err }

func (s stubState) Partitions(context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []string
	for p := range s.counts {
		out = append(out, p)
	}
	return out, nil
}

func (s stubState) Count(_ context.Context, p string) (int, error) { return s.counts[p], nil }

func TestCollector(t *testing.T) {
	c := NewCollector(stubState{seq: 42, counts: map[string]int{"INBOX": 3, "Sent": 1}}, nil)

	if n := testutil.CollectAndCount(c); n != 3 {
		t.Errorf("CollectAndCount() = %d, want 3", n)
	}

	r := NewRegistry()
	r.Registerer().MustRegister(c)
	body := scrape(t, r.Handler())
	if !strings.Contains(body, "mailsync_event_log_sequence 42") {
		t.Error("expected mailsync_event_log_sequence 42")
	}
	if !strings.Contains(body, `mailsync_snapshots_retained{partition="INBOX"} 3`) {
		t.Error("expected snapshots_retained for INBOX")
	}
}

func TestCollector_StorageError(t *testing.T) {
	c := NewCollector(stubState{err: errors.New("closed")}, nil)
	if n := testutil.CollectAndCount(c); n != 0 {
		t.Errorf("CollectAndCount() = %d, want 0", n)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.EventAppended(domain.EventRead)
				r.LoadCompleted("snapshot", false, time.Millisecond)
				r.RecordRequest("GET", "/health", 200, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(r.EventsAppended.WithLabelValues("read")); got != 1000 {
		t.Errorf("events_appended_total = %v, want 1000", got)
	}
}
