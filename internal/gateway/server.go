// Package gateway authenticates connecting WebSocket channels and routes
// commands between clients, the session store, and the process driver.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"agent-relay/internal/driver"
	"agent-relay/internal/protocol"
	"agent-relay/internal/session"
	"agent-relay/internal/transcribe"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // clients connect from arbitrary origins
	},
}

// Config holds the gateway's settings.
type Config struct {
	Password     string
	StaticDir    string
	WorkspaceDir string
}

// Server manages WebSocket connections and binds each authenticated channel
// to every session in the store.
type Server struct {
	cfg    Config
	store  *session.Store
	relay  *session.Relay
	driver *driver.Driver
	trans  *transcribe.Client

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

// client is one connected WebSocket channel. It implements session.Sink.
type client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	mu     sync.Mutex
	closed bool
	authed bool
}

// Send queues a relay message for delivery. It reports false when the
// channel is closed or its buffer is full, which the relay treats as an
// absent channel.
func (c *client) Send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// New creates a gateway server.
func New(cfg Config, store *session.Store, relay *session.Relay, drv *driver.Driver, trans *transcribe.Client) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		relay:   relay,
		driver:  drv,
		trans:   trans,
		clients: make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	// Workspace file access: raw downloads plus a minimal browser page.
	if s.cfg.WorkspaceDir != "" {
		mux.Handle("/files/", http.StripPrefix("/files/", http.FileServer(http.Dir(s.cfg.WorkspaceDir))))
		mux.HandleFunc("/browse", s.handleBrowse)
	}

	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection. The channel is unbound until
// the client authenticates with the shared secret.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket upgrade: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		server: s,
		send:   make(chan []byte, 256),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: websocket read: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected channel: sessions it was bound to
// fall back to buffer-only delivery.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.relay.Detach(c)

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// broadcast sends a message to every connected, authenticated client.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()
		if authed {
			c.Send(msg)
		}
	}
}

// OnFilesUpdate is the workspace watcher callback.
func (s *Server) OnFilesUpdate(count int) {
	msg, err := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{Count: count})
	if err != nil {
		return
	}
	s.broadcast(msg)
}
