package cachemgr

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestRegisterAndRun(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("forward", "Request Forwarding Statistics", func(w io.Writer) {
		fmt.Fprintln(w, "Status\ttry#1")
	})

	var sb strings.Builder
	if !r.Run("forward", &sb) {
		t.Fatal("registered action not found")
	}
	if !strings.Contains(sb.String(), "Status") {
		t.Errorf("action output = %q", sb.String())
	}
	if r.Run("nonexistent", io.Discard) {
		t.Error("unknown action should report false")
	}
}

func TestHandlerServesActionsAndMenu(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register("forward", "Request Forwarding Statistics", func(w io.Writer) {
		fmt.Fprintln(w, "Status\ttry#1")
	})
	h := r.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/cache-manager/forward", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Status") {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/cache-manager/", nil))
	if !strings.Contains(rec.Body.String(), "forward") {
		t.Errorf("menu = %q, should list the action", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/cache-manager/nope", nil))
	if rec.Code != 404 {
		t.Errorf("unknown action status = %d, want 404", rec.Code)
	}
}
