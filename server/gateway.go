/******************************************************************************
 *
 *  Description :
 *
 *    Connection acceptance: HTTP endpoints, WebSocket upgrade and the
 *    Security -> AuthGate -> Session pipeline.
 *
 *****************************************************************************/

package main

import (
	"context"
	"expvar"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// How long a drained session may linger before shutdown force-closes it.
const drainDeadline = 20 * time.Second

// Subprotocols, preferred first: direct WebSocket, then the poll-then-
// upgrade fallback spoken by older clients.
var subprotocols = []string{"relay.v1", "relay.v1.poll"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    subprotocols,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth, not cookies; cross-origin upgrades are acceptable.
		return true
	},
}

// Gateway owns the HTTP listener and the accept path.
type Gateway struct {
	srv *http.Server
}

func newGateway(cfg *Config) *Gateway {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", serveWebSocket)
	mux.HandleFunc("/healthz", serveHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())

	var root http.Handler = mux
	root = handlers.RecoveryHandler()(root)
	root = handlers.CombinedLoggingHandler(os.Stdout, root)

	return &Gateway{srv: &http.Server{Addr: cfg.listenAddr(), Handler: root}}
}

// remoteIP strips the port from the request's remote address.
func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// serveWebSocket is the accept path: Security, then upgrade, then auth.
func serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if globals.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	addr := remoteIP(r)
	ua := r.UserAgent()

	dec := globals.security.Allow(addr, ua, r.Header.Get("X-Client-Country"))
	if !dec.Allowed {
		// The handshake is rejected before upgrade completes; the close
		// code is conveyed by upgrading and closing immediately so the
		// client sees 4014/4008 rather than a bare HTTP error.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(dec.CloseCode, dec.Reason), time.Now().Add(time.Second))
		conn.Close()
		log.Println("gateway: connection rejected:", addr, dec.Reason)
		return
	}

	// Advisory stickiness for the load balancer; routing stays external.
	respHeader := http.Header{}
	if preferred := globals.cluster.StickyNode(addr); preferred != "" {
		respHeader.Set("X-Preferred-Node", preferred)
	}

	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Println("gateway: upgrade failed:", addr, err)
		return
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	hs := &Handshake{
		RemoteAddr: addr,
		UserAgent:  ua,
		Header:     r.Header,
		Query:      query,
	}

	s := newSession(conn, hs)
	s.suspicious = dec.Suspicious
	globals.sessionStore.Add(s)

	go s.writeLoop()

	// A token in the upgrade request authenticates immediately; otherwise
	// the session stays pre-auth until the first auth frame.
	if ExtractToken(hs) != "" || globals.cfg.AllowAnonymous {
		s.finishAuth()
	}

	s.readLoop()
}

func serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{
		"node_id":   globals.cfg.NodeID,
		"sessions":  globals.sessionStore.Count(),
		"bus_state": globals.bus.State().String(),
		"uptime_s":  int(time.Since(globals.startedAt) / time.Second),
	}
	writeJSON(w, body)
}

// Serve runs the HTTP listener until the server is shut down.
func (g *Gateway) Serve() error {
	log.Println("gateway: listening on", g.srv.Addr)
	err := g.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close drains the gateway: stop accepting, announce departure, drain
// sessions, deregister.
func (g *Gateway) Close(ctx context.Context) {
	globals.shuttingDown.Store(true)

	// 1. No new connections.
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	g.srv.Shutdown(sctx)
	cancel()

	// 2. Tell the cluster we are going away.
	globals.cluster.AnnounceLeaving()

	// 3. Notify sessions and wait for drain, then force-close.
	globals.sessionStore.Shutdown(drainDeadline)

	// 4. Leave the registry.
	dctx, cancel := context.WithTimeout(ctx, storeDeadline)
	globals.cluster.Deregister(dctx)
	cancel()
}
