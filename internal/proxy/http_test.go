package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

var errNotResolved = errors.New("app not found")

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Custom", "keep-me")

	stripHopByHop(h)

	if h.Get("Connection") != "" || h.Get("Transfer-Encoding") != "" {
		t.Fatalf("expected hop-by-hop headers stripped: %v", h)
	}
	if h.Get("X-Custom") != "keep-me" {
		t.Fatal("expected non-hop-by-hop header preserved")
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "/apps/x/stream", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	if !IsWebSocketUpgrade(r) {
		t.Fatal("expected upgrade request to be detected")
	}

	plain := httptest.NewRequest("GET", "/apps/x/", nil)
	if IsWebSocketUpgrade(plain) {
		t.Fatal("expected plain request to not be detected as upgrade")
	}
}

func TestServeAppNotFoundWhenUnresolvable(t *testing.T) {
	p := NewHTTPProxy(func(appID string) (int, error) {
		return 0, errNotResolved
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/apps/missing/", nil)
	p.ServeApp(w, r, "missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
