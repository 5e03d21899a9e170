package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is one market-data message pushed to websocket clients.
type Event struct {
	Type string      `json:"type"` // trade, mark_price, funding, position
	Data interface{} `json:"data"`
}

// Server pushes live market data over websocket on its own listener, off the
// gateway's request path.
type Server struct {
	addr     string
	hub      *Hub[Event]
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(addr string) *Server {
	s := &Server{
		addr: addr,
		hub:  NewHub[Event](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Publish broadcasts an event to every connected client.
func (s *Server) Publish(event Event) {
	s.hub.Broadcast(event)
}

func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("Market data stream listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Stream server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	sub := s.hub.Subscribe(256)
	log.Info().Str("remote", r.RemoteAddr).Msg("Stream client connected")

	// reader only detects close; clients do not send data
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}()

	defer func() {
		s.hub.Unsubscribe(sub)
		_ = conn.Close()
		log.Info().Str("remote", r.RemoteAddr).Msg("Stream client disconnected")
	}()

	for event := range sub.C() {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
