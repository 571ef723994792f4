//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jwoglom/wundergate/pkg/frame"
	"github.com/jwoglom/wundergate/pkg/gateway"
	"github.com/jwoglom/wundergate/pkg/slots"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gateway is the part of the multiplexer the API drives.
type Gateway interface {
	Snapshot() []slots.Info
	Stats() gateway.Stats
	Publish(f frame.Frame) bool
	PublishLocked(f frame.Frame) bool
	Release(endpointID byte) bool
}

// StatusFunc reports the state of one collaborator for /api/status.
type StatusFunc func() interface{}

// Server provides the HTTP and WebSocket API for monitoring and driving the gateway
type Server struct {
	gw    Gateway
	trace *gateway.Trace

	mtx    sync.Mutex
	conns  map[*websocket.Conn]struct{}
	status map[string]StatusFunc

	mux *http.ServeMux
}

// SlotView is the JSON form of a slot.
type SlotView struct {
	ID       int        `json:"id"`
	Endpoint string     `json:"endpoint"`
	Status   string     `json:"status"`
	Frame    frame.View `json:"frame"`
}

// PublishRequest is the body of POST /api/publish.
type PublishRequest struct {
	frame.View
	Lock bool `json:"lock,omitempty"`
}

// Command is a message received over the WebSocket.
type Command struct {
	Command  string      `json:"command"`
	Frame    *frame.View `json:"frame,omitempty"`
	Endpoint *byte       `json:"endpoint,omitempty"`
	Lock     bool        `json:"lock,omitempty"`
}

// New creates a new API server. trace may be nil.
func New(gw Gateway, trace *gateway.Trace) *Server {
	s := &Server{
		gw:     gw,
		trace:  trace,
		conns:  make(map[*websocket.Conn]struct{}),
		status: make(map[string]StatusFunc),
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// AddStatus adds a named section to /api/status. Call before Start.
func (s *Server) AddStatus(name string, fn StatusFunc) {
	s.status[name] = fn
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Debugf("HTTP shutdown: %v", err)
		}
		s.closeAll()
	}()

	log.Infof("Gateway API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Broadcast drains the trace every interval and sends the events to every WebSocket client
// until ctx is done.
func (s *Server) Broadcast(ctx context.Context, interval time.Duration) error {
	if s.trace == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, e := range s.trace.Drain(256) {
				s.SendEvent(e)
			}
		}
	}
}

// SendEvent sends a trace event to connected websocket clients
func (s *Server) SendEvent(event gateway.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}
	s.send(data)
}

func (s *Server) send(data []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for conn := range s.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debugf("Failed to send websocket message: %v", err)
		}
	}
}

func (s *Server) closeAll() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
		delete(s.conns, conn)
	}
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprint(w, "Gateway API - frame trace via WebSocket at /ws\n\n"+
			"  GET    /api/slots\n"+
			"  GET    /api/stats\n"+
			"  GET    /api/status\n"+
			"  POST   /api/publish\n"+
			"  POST   /api/release/{endpoint}\n"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	s.mux.Handle("/ws", http.HandlerFunc(s.serveWebSocket))
	s.mux.HandleFunc("/api/slots", s.handleSlots)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/publish", s.handlePublish)
	s.mux.HandleFunc("/api/release/", s.handleRelease)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	s.conns[ws] = struct{}{}
	s.mtx.Unlock()

	s.sendStats()
	s.reader(ws)
}

func (s *Server) sendStats() {
	data, err := json.Marshal(map[string]interface{}{
		"type":  "stats",
		"stats": s.gw.Stats(),
	})
	if err != nil {
		log.Errorf("Failed to marshal stats: %v", err)
		return
	}
	s.send(data)
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		delete(s.conns, conn)
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(p)
	}
}

func (s *Server) handleCommand(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		return
	}

	switch cmd.Command {
	case "getStats":
		s.sendStats()
	case "publish":
		if cmd.Frame == nil {
			log.Error("publish command without frame")
			return
		}
		f, err := cmd.Frame.Frame()
		if err != nil {
			log.Errorf("Invalid frame: %v", err)
			return
		}
		if cmd.Lock {
			s.gw.PublishLocked(f)
		} else {
			s.gw.Publish(f)
		}
	case "release":
		if cmd.Endpoint == nil {
			log.Error("release command without endpoint")
			return
		}
		s.gw.Release(*cmd.Endpoint)
	default:
		log.Warnf("Unknown command: %s", cmd.Command)
	}
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := s.gw.Snapshot()
	views := make([]SlotView, 0, len(infos))
	for _, info := range infos {
		views = append(views, SlotView{
			ID:       int(info.ID),
			Endpoint: info.Endpoint,
			Status:   info.Status.String(),
			Frame:    info.Frame.View(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := map[string]interface{}{"gateway": s.gw.Stats()}
	if s.trace != nil {
		recorded, overwritten := s.trace.Recorded()
		out["trace"] = map[string]uint64{"recorded": recorded, "overwritten": overwritten}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	out := make(map[string]interface{}, len(s.status))
	for name, fn := range s.status {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	var req PublishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	f, err := req.View.Frame()
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid frame: %v", err), http.StatusBadRequest)
		return
	}

	publish := s.gw.Publish
	if req.Lock {
		publish = s.gw.PublishLocked
	}
	if !publish(f) {
		http.Error(w, fmt.Sprintf("Frame for endpoint 0x%02x not accepted", f.EndpointID), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Published frame to endpoint 0x%02x", f.EndpointID),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/release"), "/")
	id, err := strconv.ParseUint(raw, 0, 8)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid endpoint %q", raw), http.StatusBadRequest)
		return
	}
	if !s.gw.Release(byte(id)) {
		http.Error(w, fmt.Sprintf("Endpoint 0x%02x has no slot", id), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Released endpoint 0x%02x", id),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
