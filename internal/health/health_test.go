package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	Healthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok\n" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	var ready error = errors.New("state connecting")
	h := Readyz(func() error { return ready })

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Body.String() != "not ready: state connecting\n" {
		t.Errorf("body = %q", w.Body.String())
	}

	ready = nil
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ready\n" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}
