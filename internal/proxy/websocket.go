package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// wsForwardHeaders are the only client request headers carried through to
// the upstream handshake. Every Sec-WebSocket-* header is deliberately
// left out — the client library on each side generates its own.
var wsForwardHeaders = []string{"Cookie", "Authorization"}

// WebSocketProxy upgrades the client, opens a matching upstream
// WebSocket, negotiates the subprotocol, and relays frames
// bidirectionally until either side closes.
type WebSocketProxy struct {
	Resolve Resolver
}

// NewWebSocketProxy builds a WebSocketProxy backed by resolve.
func NewWebSocketProxy(resolve Resolver) *WebSocketProxy {
	return &WebSocketProxy{Resolve: resolve}
}

// ServeApp upgrades r for appID and relays frames to/from the app's
// upstream WebSocket endpoint at the same path and query.
func (p *WebSocketProxy) ServeApp(w http.ResponseWriter, r *http.Request, appID string) {
	port, err := p.Resolve(appID)
	if err != nil {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}

	offered := splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))
	origin := r.Header.Get("Origin")

	upstreamURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	header := make(http.Header)
	for _, name := range wsForwardHeaders {
		if v := r.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	if origin != "" {
		header.Set("Origin", origin)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstreamConn, _, err := websocket.Dial(ctx, upstreamURL.String(), &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: offered,
	})
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer upstreamConn.CloseNow()

	// Echo the subprotocol the upstream chose, but only if the client
	// actually offered it — otherwise accept with none. Origin checking is
	// disabled: the upstream app is told to skip its own cross-origin
	// checks too, since this proxy is the only ingress.
	acceptOpts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if chosen := upstreamConn.Subprotocol(); chosen != "" && contains(offered, chosen) {
		acceptOpts.Subprotocols = []string{chosen}
	}

	clientConn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return
	}
	defer clientConn.CloseNow()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(ctx, clientConn, upstreamConn) })
	g.Go(func() error { return relay(ctx, upstreamConn, clientConn) })
	_ = g.Wait()
}

// relay copies frames from src to dst until either the context is
// cancelled or one side closes, preserving message type (text vs binary).
func relay(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

func splitProtocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
