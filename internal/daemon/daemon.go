// Package daemon implements the WebSocket-fronted RPC server: a single
// /ws endpoint that upgrades each connection, hands it to a fresh
// dispatcher.Connection, and pumps frames in both directions until the
// client disconnects or Shutdown is called.
//
// Grounded on internal/server/server.go's ada.New + middleware-chain
// bring-up: the same recover/request-id/log/telemetry middleware stack,
// generalized from an HTTP API surface to a single upgrade route plus a
// health endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/dispatcher"
	"github.com/rakunlabs/atd/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize: 4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Daemon is the WebSocket RPC broker: listener, handshake, and the
// per-connection message loops.
type Daemon struct {
	cfg config.Daemon
	dispatcher *dispatcher.Dispatcher
	health *observability.HealthWriter

	// MountExtra, if set, is called with the route mux before serving
	// starts, letting main.go mount the internal/admin surface alongside
	// /ws and /healthz without this package importing internal/admin.
	MountExtra func(*ada.Server)

	httpServer *http.Server

	mu sync.Mutex
	conns map[*wsConn]struct{}
}

// New builds a Daemon bound to dispatcher d and config cfg. health may be
// nil if no health file is configured.
func New(cfg config.Daemon, d *dispatcher.Dispatcher, health *observability.HealthWriter) *Daemon {
	return &Daemon{
		cfg: cfg,
		dispatcher: d,
		health: health,
		conns: make(map[*wsConn]struct{}),
	}
}

// wsConn adapts a *websocket.Conn to dispatcher.Sender and serializes
// writes, since gorilla/websocket connections aren't safe for concurrent
// writers.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) Send(f dispatcher.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ListenAndServe builds the route table and blocks serving on
// cfg.BindHost:cfg.BindPort until ctx is cancelled or an unrecoverable
// listener error occurs.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	root := mux.Group("")
	root.GET("/ws", d.handleWS)
	root.GET("/healthz", d.handleHealthz)

	if d.MountExtra != nil {
		d.MountExtra(mux)
	}

	d.httpServer = &http.Server{
		Addr: d.cfg.BindHost + ":" + d.cfg.BindPort,
		Handler: mux,
	}

	if d.health != nil {
		d.health.SetListening(true)
		defer d.health.SetListening(false)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("daemon: listening", "addr", d.httpServer.Addr)
		errCh <- d.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			if d.health != nil {
				d.health.RecordError(err)
			}
			return err
		}
		return nil
	}
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.health == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
		return
	}
	json.NewEncoder(w).Encode(d.health.CurrentSnapshot())
}

func (d *Daemon) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("daemon: websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{ws: ws}
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		ws.Close()
	}()

	dconn := d.dispatcher.NewConnection(conn)
	defer dconn.Disconnect()

	ctx := r.Context()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("daemon: websocket read error", "error", err)
			}
			return
		}
		dconn.Handle(ctx, raw)
	}
}

// Shutdown stops the listener and waits up to grace for in-progress plain
// HTTP requests to finish, then closes every open WebSocket connection.
// Upgraded WebSocket connections are not tracked by http.Server.Shutdown,
// so Shutdown does not wait for their in-flight tool calls to complete.
func (d *Daemon) Shutdown(grace time.Duration) error {
	if d.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := d.httpServer.Shutdown(ctx)

	d.mu.Lock()
	conns := make([]*wsConn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}

	return err
}

// ConnCount returns the number of currently open WebSocket connections.
func (d *Daemon) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
