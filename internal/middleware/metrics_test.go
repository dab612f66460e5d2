package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type statusCounter struct {
	codes []int
}

func (s *statusCounter) RecordHTTPStatus(code int) { s.codes = append(s.codes, code) }

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	counter := &statusCounter{}
	mw := NewMetricsMiddleware(counter)

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/embed-confirm", nil))

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(counter.codes) != 2 || counter.codes[0] != http.StatusFound || counter.codes[1] != http.StatusOK {
		t.Errorf("recorded codes = %v, want [302 200]", counter.codes)
	}
}
