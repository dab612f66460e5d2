package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordConfirmation_CountsByOutcome は確認結果ごとに別々に数えることを検証する。
func TestRecordConfirmation_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConfirmation("subscribed")
	c.RecordConfirmation("subscribed")
	c.RecordConfirmation("already_subscribed")

	if v := findMetric(t, reg, "replay_confirmations_total", map[string]string{"outcome": "subscribed"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("subscribed = %v, want 2", v)
	}
	if v := findMetric(t, reg, "replay_confirmations_total", map[string]string{"outcome": "already_subscribed"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("already_subscribed = %v, want 1", v)
	}
}

func TestRecordEmail_SentAndFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEmailSent("confirmation")
	c.RecordEmailFailed("drip")

	if v := findMetric(t, reg, "replay_emails_sent_total", map[string]string{"kind": "confirmation"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("emails_sent = %v, want 1", v)
	}
	if v := findMetric(t, reg, "replay_emails_failed_total", map[string]string{"kind": "drip"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("emails_failed = %v, want 1", v)
	}
}

func TestRecordDripCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDripCycle(1500*time.Millisecond, 4, 1)

	h := findMetric(t, reg, "replay_drip_cycle_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if v := findMetric(t, reg, "replay_drip_sent_total", nil).GetCounter().GetValue(); v != 4 {
		t.Errorf("drip_sent = %v, want 4", v)
	}
	if v := findMetric(t, reg, "replay_drip_failed_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("drip_failed = %v, want 1", v)
	}
}

func TestRecordHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(302)

	if v := findMetric(t, reg, "replay_http_requests_total", map[string]string{"status_code": "302"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("http_requests{302} = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はハンドラーがテキスト形式でメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSubscribeRequest("sent")
	c.RecordPostsImported(3)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{`replay_subscribe_requests_total{status="sent"} 1`, "replay_posts_imported_total 3"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response should contain %q", want)
		}
	}
}

// TestNop_ImplementsRecorder はNopが何もせずに呼び出せることを検証する。
func TestNop_ImplementsRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordSubscribeRequest("sent")
	r.RecordConfirmation("subscribed")
	r.RecordEmailSent("drip")
	r.RecordEmailFailed("drip")
	r.RecordHTTPStatus(200)
	r.RecordDripCycle(time.Second, 1, 0)
	r.RecordPostsImported(1)
}
