// Package proxy implements the transparent HTTP and WebSocket reverse
// proxy that multiplexes every app's backend behind the control plane's
// single listener.
package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// relayed response. Header names are canonical-cased by net/http when
// matched via Header.Del/Get.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
}

const upstreamTimeout = 30 * time.Second

// Resolver looks up the upstream origin (scheme://host:port) for an app
// id. Implemented by the lifecycle manager's Get, narrowed to just the
// port lookup the proxy needs.
type Resolver func(appID string) (port int, err error)

// HTTPProxy reverse-proxies requests for a given app id to its upstream
// origin on 127.0.0.1.
type HTTPProxy struct {
	Resolve   Resolver
	transport *http.Transport
}

// NewHTTPProxy builds an HTTPProxy backed by resolve. One transport is
// shared across all requests so upstream connections are pooled.
func NewHTTPProxy(resolve Resolver) *HTTPProxy {
	return &HTTPProxy{
		Resolve: resolve,
		transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: upstreamTimeout}).DialContext,
			ResponseHeaderTimeout: upstreamTimeout,
		},
	}
}

// ServeApp builds and runs a *httputil.ReverseProxy for one request aimed
// at appID, forwarding the original path (including the /apps/<id>
// prefix, which the app serves under) and query unchanged.
func (p *HTTPProxy) ServeApp(w http.ResponseWriter, r *http.Request, appID string) {
	port, err := p.Resolve(appID)
	if err != nil {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	externalHost := r.Host
	externalScheme := externalScheme(r)

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host

			stripHopByHop(req.Header)
			req.Host = externalHost
			req.Header.Set("X-Forwarded-Host", externalHost)
			if _, port, err := net.SplitHostPort(externalHost); err == nil && port != "" {
				req.Header.Set("X-Forwarded-Port", port)
			}
			req.Header.Set("X-Forwarded-Proto", externalScheme)
			req.Header.Set("Accept-Encoding", "identity")
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			stripHopByHop(resp.Header)
			resp.Header.Del("Content-Encoding")
			rewriteLocation(resp, target, externalScheme, externalHost)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "upstream unavailable")
		},
	}

	rp.ServeHTTP(w, r)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// rewriteLocation replaces an absolute Location header's scheme/host/port
// with the externally observed ones, but only when it currently points at
// the upstream origin — otherwise it is left untouched.
func rewriteLocation(resp *http.Response, upstream *url.URL, externalScheme, externalHost string) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return
	}
	if u.Host != upstream.Host {
		return
	}
	u.Scheme = externalScheme
	u.Host = externalHost
	resp.Header.Set("Location", u.String())
}

func externalScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// IsWebSocketUpgrade reports whether r is a WebSocket upgrade request.
func IsWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
