package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orsondmc/coordshare/internal/profile"
	"github.com/orsondmc/coordshare/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// wsConn wraps a websocket connection behind the registry's Conn
// interface. Gorilla allows one concurrent writer, so writes are
// serialized here.
type wsConn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	once sync.Once
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() { err = c.ws.Close() })
	return err
}

var _ Conn = (*wsConn)(nil)

// Server exposes the coordination protocol over a websocket endpoint
// plus the small HTTP surface for status and device registration.
type Server struct {
	dispatcher *Dispatcher
	registry   *Registry
	profiles   profile.Store
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	httpSrv *http.Server
}

// NewServer wires the HTTP surface around the dispatcher.
func NewServer(dispatcher *Dispatcher, registry *Registry, profiles profile.Store, log zerolog.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		registry:   registry,
		profiles:   profiles,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: log.With().Str("component", "server").Logger(),
	}
}

// ListenAndServe blocks serving the protocol until ctx is cancelled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1/listen", s.handleListen)
	mux.HandleFunc("/api/1/device/confirm", s.handleDeviceConfirm)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleListen upgrades the connection and pumps frames through the
// dispatcher. The read loop is the only reader; frames from one
// connection are therefore handled strictly in order.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(readLimit)
	conn := &wsConn{ws: ws}
	s.dispatcher.HandleConnect(conn)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			s.dispatcher.HandleClose(conn, "connection closed")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.dispatcher.HandleMessage(r.Context(), conn, data)
	}
}

// handleDeviceConfirm completes the out-of-band device registration: it
// upserts the profile, consumes the token, and pushes DeviceRegistered
// to the waiting connection.
func (s *Server) handleDeviceConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var in struct {
		Token   string    `json:"token"`
		Profile uuid.UUID `json:"profile"`
		Name    string    `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.Token == "" || in.Profile == uuid.Nil {
		http.Error(w, "token and profile required", http.StatusBadRequest)
		return
	}

	p, found, err := s.profiles.Get(in.Profile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		p = profile.Profile{ID: in.Profile, Name: in.Name, Created: time.Now().Unix()}
		if err := s.profiles.Put(p); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	conn, ok := s.registry.RedeemDeviceToken(in.Token)
	if !ok {
		http.Error(w, "unknown or expired token", http.StatusNotFound)
		return
	}
	device, err := s.profiles.NextDeviceID(in.Profile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.dispatcher.PushDeviceRegistered(conn, in.Profile, device)
	s.log.Info().Stringer("profile", in.Profile).Int("device", device).Msg("device registered")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Device int `json:"device"`
	}{Device: device})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// PushDeviceRegistered sends the registration result over the original
// connection the token was minted for.
func (d *Dispatcher) PushDeviceRegistered(conn Conn, profileID uuid.UUID, device int) {
	d.sendPlain(conn, &protocol.DeviceRegistered{
		ServerIdentity: d.keys.Identity(),
		Profile:        profileID,
		Device:         device,
	})
}
