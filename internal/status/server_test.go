package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"rugfeed/internal/metrics"
	"rugfeed/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                        "0.0.0.0:9102",
		"  :9090  ":               "0.0.0.0:9090",
		"localhost":               "localhost:9102",
		"127.0.0.1:80":            "127.0.0.1:80",
		"[::1]:443":               "[::1]:443",
		"::1":                     "[::1]:9102",
		"*:8080":                  "0.0.0.0:8080",
		"http://:7070":            "0.0.0.0:7070",
		"https://status.example/": "status.example:9102",
		"tcp://localhost:5050":    "localhost:5050",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMetricHistoryLimit(t *testing.T) {
	h := newMetricHistory(2)
	for i := 0; i < 5; i++ {
		h.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}
	got := h.snapshot()
	if len(got) != 2 || got[0].Value != 3 || got[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", got)
	}
}

func TestLogHistoryCapturesFields(t *testing.T) {
	h := newLogHistory(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "upstream stalled"
	entry.Data = logrus.Fields{"component": "pipeline", "error": errors.New("boom"), "game_id": "G1"}

	if err := h.Fire(entry); err != nil {
		t.Fatal(err)
	}
	got := h.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	rec := got[0]
	if rec.Component != "pipeline" || rec.Level != "warning" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Fields["error"] != "boom" || rec.Fields["game_id"] != "G1" {
		t.Fatalf("unexpected fields %v", rec.Fields)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatal("component should not be repeated in fields")
	}

	h.close()
	_ = h.Fire(entry)
	if len(h.snapshot()) != 1 {
		t.Fatal("closed history kept recording")
	}
}

func TestHandlerServesStatusAndHistories(t *testing.T) {
	log := logger.Logger()
	c := metrics.NewCollector()
	c.ParseError()

	srv := NewServer(":0", 10, c, func() any {
		return map[string]string{"mode": "NORMAL"}
	}, log)
	defer srv.Close()

	metrics.EmitMetric(log, "drops", "events_rate_limited", 1, "counter", nil)
	log.WithComponent("reader").Warn("connection lost")

	h, err := srv.buildRouter()
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["mode"] != "NORMAL" {
		t.Fatalf("unexpected status %v", status)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "rugfeed_parse_errors_total 1") {
		t.Fatal("prometheus exposition missing parse errors")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	var emitted struct {
		Metrics []map[string]any `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&emitted); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range emitted.Metrics {
		if m["name"] == "events_rate_limited" {
			found = true
		}
	}
	if !found {
		t.Fatalf("emitted metric missing from history: %v", emitted.Metrics)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	var logs struct {
		Logs []logRecord `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) != 1 || logs.Logs[0].Message != "connection lost" {
		t.Fatalf("unexpected logs %+v", logs.Logs)
	}
}

func TestStatusWithoutSnapshotSource(t *testing.T) {
	srv := NewServer("", 0, nil, nil, logger.Logger())
	defer srv.Close()
	if srv.Address() != "0.0.0.0:9102" {
		t.Fatalf("address = %s", srv.Address())
	}

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without a collector: code = %d", rec.Code)
	}
}

func TestPanickingSnapshotRecovers(t *testing.T) {
	srv := NewServer("", 0, nil, func() any { panic("snapshot failed") }, logger.Logger())
	defer srv.Close()

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("router unusable after panic: %d", rec.Code)
	}
}
