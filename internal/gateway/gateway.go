// Package gateway exposes client operations to browser front ends over a
// websocket, next to the prometheus metrics of the client.
//
// Every text message is one call:
//
//	{"id": "1", "op": "get_velocity", "args": {...}}
//
// and every callback payload of that call comes back as
//
//	{"id": "1", "op": "get_velocity", "payload": ...}
//
// A call that is rejected up front is answered with an "error" field
// instead.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lattesec/agvclient/internal/client"
	"github.com/lattesec/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Caller runs named operations; *client.Client implements it.
type Caller interface {
	Call(op, args string, h client.Handler) error
}

type Request struct {
	ID   string          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Response struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Server struct {
	caller   Caller
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	WriteTimeout time.Duration
}

func New(caller Caller, gatherer prometheus.Gatherer) *Server {
	return &Server{
		caller:   caller,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the gateway is a local debug surface
			CheckOrigin: func(*http.Request) bool { return true },
		},
		WriteTimeout: 10 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().
		WithMeta("scope", "gateway").
		Msgf("listening on %s", addr).
		Send()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().
			WithMeta("scope", "gateway").
			Msgf("failed to upgrade to websocket: %v", err).
			Send()
		return
	}

	sess := &session{ws: ws, timeout: s.WriteTimeout}
	log.Debug().
		WithMeta("scope", "gateway").
		WithMeta("peer", ws.RemoteAddr().String()).
		Msg("websocket opened").
		Send()

	defer func() {
		sess.close()
		log.Debug().
			WithMeta("scope", "gateway").
			WithMeta("peer", ws.RemoteAddr().String()).
			Msg("websocket closed").
			Send()
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			sess.send(Response{Error: "expected a text message"})
			continue
		}
		s.handle(sess, data)
	}
}

func (s *Server) handle(sess *session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		sess.send(Response{Error: "invalid request: " + err.Error()})
		return
	}

	id, op := req.ID, req.Op
	err := s.caller.Call(op, arguments(req.Args), func(p []byte) {
		sess.send(Response{ID: id, Op: op, Payload: payload(p)})
	})
	if err != nil {
		sess.send(Response{ID: id, Op: op, Error: err.Error()})
	}
}

// arguments unwraps a JSON string and passes any other value through as
// its JSON text.
func arguments(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// payload embeds p when it is JSON, otherwise sends it as a base64 string.
func payload(p []byte) json.RawMessage {
	if len(p) > 0 && json.Valid(p) {
		return append(json.RawMessage(nil), p...)
	}
	b, _ := json.Marshal(p)
	return b
}

type session struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// send serializes writes; callbacks of different calls race for the socket.
func (s *session) send(r Response) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().
			WithMeta("scope", "gateway").
			Msgf("write failed: %v", err).
			Send()
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	_ = s.ws.Close()
}
