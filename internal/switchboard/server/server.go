// Package server is the WebSocket shell around the command dispatcher: it
// owns connections, frames inbound commands, pushes outbound envelopes
// through a per-connection send pump, and tears down dispatcher state when a
// connection closes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmoyers/switchboard/internal/switchboard/cperr"
	"github.com/jmoyers/switchboard/internal/switchboard/dispatch"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
)

// CommandHandler executes inbound commands and releases per-connection state.
// The dispatcher satisfies it.
type CommandHandler interface {
	Dispatch(connectionID string, cmd dispatch.Command) (any, error)
	DetachConnection(connectionID string)
}

// Response is the frame returned for every inbound command. ID echoes the
// client's correlation id when one was sent.
type Response struct {
	Kind   string     `json:"kind"`
	ID     string     `json:"id,omitempty"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a structured failure to the client.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Status is the /api/status payload.
type Status struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schemaVersion"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Connections   int    `json:"connections"`
	Sessions      int    `json:"sessions"`
}

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan any
	done chan struct{}

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Server owns the listener and the connection set.
type Server struct {
	handler       CommandHandler
	sessions      *session.Registry
	schemaVersion int
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*conn
	startedAt time.Time

	listener net.Listener
	httpSrv  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSchemaVersion sets the schema version reported by /api/status.
func WithSchemaVersion(v int) Option {
	return func(s *Server) { s.schemaVersion = v }
}

// New creates a Server around a command handler and the session registry.
func New(handler CommandHandler, sessions *session.Registry, opts ...Option) *Server {
	s := &Server{
		handler:  handler,
		sessions: sessions,
		logger:   slog.Default(),
		conns:    make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the address and starts serving in a background goroutine.
// Use addr ":0" for an ephemeral port; Addr reports the bound address.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.mu.Lock()
	s.listener = ln
	s.startedAt = time.Now()
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serving", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.dropConn(c)
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Send implements the dispatcher's Sender: push an envelope onto the
// connection's pump. Sends to vanished connections are dropped; a full pump
// drops the envelope rather than blocking the dispatcher.
func (s *Server) Send(connectionID string, envelope any) {
	s.mu.Lock()
	c, ok := s.conns[connectionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.send <- envelope:
	default:
		s.logger.Warn("dropping envelope for slow connection", "connection", connectionID)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading connection", "error", err)
		return
	}
	c := &conn{
		id:   "connection-" + uuid.New().String(),
		ws:   ws,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	s.readLoop(c)
}

// readLoop frames inbound messages and runs them through the handler. It
// returns when the connection dies, after detaching everything the
// connection held.
func (s *Server) readLoop(c *conn) {
	defer func() {
		s.dropConn(c)
		s.handler.DetachConnection(c.id)
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.Send(c.id, s.execute(c.id, raw))
	}
}

// execute runs one raw frame and builds its response.
func (s *Server) execute(connectionID string, raw []byte) Response {
	var head struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &head)

	cmd, err := dispatch.ParseCommand(raw)
	if err != nil {
		return errorResponse(head.ID, err)
	}
	result, err := s.handler.Dispatch(connectionID, cmd)
	if err != nil {
		return errorResponse(head.ID, err)
	}
	return Response{Kind: "response", ID: head.ID, OK: true, Result: result}
}

func errorResponse(id string, err error) Response {
	return Response{
		Kind: "response",
		ID:   id,
		OK:   false,
		Error: &ErrorBody{
			Kind:    string(cperr.KindOf(err)),
			Message: err.Error(),
		},
	}
}

// writePump serializes all writes for one connection.
func (s *Server) writePump(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case envelope := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(envelope); err != nil {
				s.dropConn(c)
				return
			}
		}
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if present {
		c.close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connections := len(s.conns)
	uptime := int64(time.Since(s.startedAt).Seconds())
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Status{
		Status:        "ok",
		SchemaVersion: s.schemaVersion,
		UptimeSeconds: uptime,
		Connections:   connections,
		Sessions:      s.sessions.Count(),
	})
}
