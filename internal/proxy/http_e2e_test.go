package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func TestServeAppForwardsBodyAndStripsHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "" {
			t.Error("expected X-Forwarded-Proto to be set")
		}
		if r.Header.Get("Accept-Encoding") != "identity" {
			t.Errorf("expected Accept-Encoding: identity, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	upstreamURL, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(upstreamURL.Port())

	p := NewHTTPProxy(func(appID string) (int, error) { return port, nil })

	req := httptest.NewRequest("GET", "http://proxy.example/apps/demo/", nil)
	req.Host = "proxy.example"
	rec := httptest.NewRecorder()

	p.ServeApp(rec, req, "demo")

	resp := rec.Result()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from upstream" {
		t.Fatalf("unexpected body: %q", body)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("expected Content-Encoding stripped from response, got %q", resp.Header.Get("Content-Encoding"))
	}
}

func TestRewriteLocationOnlyForUpstreamOrigin(t *testing.T) {
	upstream := &url.URL{Scheme: "http", Host: "127.0.0.1:9001"}

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Location", "http://127.0.0.1:9001/apps/demo/other")
	rewriteLocation(resp, upstream, "https", "public.example")
	if got := resp.Header.Get("Location"); got != "https://public.example/apps/demo/other" {
		t.Fatalf("expected rewritten location, got %q", got)
	}

	resp2 := &http.Response{Header: http.Header{}}
	resp2.Header.Set("Location", "https://unrelated.example/path")
	rewriteLocation(resp2, upstream, "https", "public.example")
	if got := resp2.Header.Get("Location"); got != "https://unrelated.example/path" {
		t.Fatalf("expected unrelated location untouched, got %q", got)
	}
}
