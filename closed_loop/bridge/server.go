package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"balancebot-core/utils"
)

const (
	writeWait     = time.Second
	clientBacklog = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves /ws and /api/state. Its goroutines only read published
// snapshots and write into the command channel.
type Server struct {
	log      *utils.Logger
	addr     string
	upgrader websocket.Upgrader
	cmds     chan Inbound

	mu      sync.Mutex
	clients map[*client]struct{}

	state   atomic.Pointer[State]
	dropped atomic.Uint64
}

func NewServer(addr string, queue int, log *utils.Logger) *Server {
	if queue <= 0 {
		queue = 64
	}
	return &Server{
		log:  log,
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the operator page is served from anywhere on the robot network
			CheckOrigin: func(*http.Request) bool { return true },
		},
		cmds:    make(chan Inbound, queue),
		clients: make(map[*client]struct{}),
	}
}

// Commands delivers decoded operator messages to the control goroutine.
func (s *Server) Commands() <-chan Inbound { return s.cmds }

// SetState replaces the snapshot served by /api/state.
func (s *Server) SetState(st State) { s.state.Store(&st) }

// State returns the last snapshot stored by SetState, or nil.
func (s *Server) State() *State { return s.state.Load() }

// Dropped counts outbound messages lost to slow clients and inbound
// messages lost to a full command queue.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Publish sends v to every connected client without blocking.
func (s *Server) Publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode %T: %v", v, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- b:
		default:
			s.dropped.Inc()
		}
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/api/state", s.serveState)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("operator bridge listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "operator bridge")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeClients()
		return err
	})
	return g.Wait()
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.state.Load()
	if st == nil {
		st = &State{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Debug("write state: %v", err)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBacklog)}
	for _, v := range []any{NewUIConfig(), NewInfo("connected")} {
		b, _ := json.Marshal(v)
		c.send <- b
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("operator connected from %s", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
	s.drop(c)
	s.log.Info("operator %s disconnected", r.RemoteAddr)
}

func (s *Server) readLoop(c *client) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		in, err := Decode(data)
		if err != nil {
			s.log.Debug("operator message: %v", err)
			continue
		}
		select {
		case s.cmds <- in:
		default:
			s.dropped.Inc()
			s.log.Warn("command queue full, dropping %q", in.Type)
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			s.log.Debug("operator write: %v", err)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
