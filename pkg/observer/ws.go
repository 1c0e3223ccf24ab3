package observer

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/stateflowio/stateflow/pkg/core"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSServer streams bus messages to websocket clients. When a JWT secret is
// configured, clients must present a valid HS256 bearer token; without one
// the endpoint is open, which is only sensible behind a trusted proxy.
type WSServer struct {
	bus       *Bus
	jwtSecret []byte
	buffer    int
	upgrader  websocket.Upgrader
	logger    core.Logger
}

// WSOption configures the websocket server.
type WSOption func(*WSServer)

// WithJWTSecret enables bearer-token auth on the stream endpoint.
func WithJWTSecret(secret []byte) WSOption {
	return func(s *WSServer) { s.jwtSecret = secret }
}

// WithWSBuffer sets the per-client bus buffer. Default 512.
func WithWSBuffer(n int) WSOption {
	return func(s *WSServer) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithWSLogger sets a custom logger.
func WithWSLogger(logger core.Logger) WSOption {
	return func(s *WSServer) { s.logger = logger }
}

// NewWSServer creates a websocket streaming handler over the bus.
func NewWSServer(bus *Bus, opts ...WSOption) *WSServer {
	s := &WSServer{
		bus:    bus,
		buffer: 512,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.jwtSecret) > 0 {
		if err := s.authorize(r); err != nil {
			s.logger.Warnf("websocket auth rejected from %s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	sub := s.bus.Subscribe("ws:"+r.RemoteAddr, s.buffer)
	go s.reader(conn, sub)
	go s.writer(conn, sub)
}

// authorize validates the bearer token; both the Authorization header and an
// access_token query parameter are accepted, since browser websocket clients
// cannot set headers.
func (s *WSServer) authorize(r *http.Request) error {
	raw := r.URL.Query().Get("access_token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw = strings.TrimPrefix(auth, "Bearer ")
	}
	if raw == "" {
		return jwt.ErrTokenMalformed
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err
}

// reader discards inbound frames and tears the subscription down when the
// client goes away.
func (s *WSServer) reader(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WSServer) writer(conn *websocket.Conn, sub *Subscription) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := core.JSONEncode(msg)
			if err != nil {
				s.logger.Errorf("websocket encode: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
