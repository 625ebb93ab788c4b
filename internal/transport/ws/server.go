package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/gateway"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Verifier interface {
	Verify(token string) (domain.UserID, error)
}

type Gateway interface {
	OnConnect(ctx context.Context, sessionID string, userID domain.UserID, conn gateway.Conn)
	OnDisconnect(ctx context.Context, sessionID string)
	OnInboundEvent(ctx context.Context, sessionID string, data []byte)
}

type Config struct {
	AllowedOrigins []string
	SendBuffer     int
	PingEvery      time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
}

type Server struct {
	upgrader websocket.Upgrader
	gw       Gateway
	auth     Verifier
	cfg      Config
}

func NewServer(gw Gateway, auth Verifier, cfg Config) *Server {
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 << 10
	}
	s := &Server{gw: gw, auth: auth, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// пустой список или "*" разрешает любой origin; запросы без Origin (не браузер) пропускаем
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
			return true
		}
	}
	return false
}

func tokenFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// WS endpoint: GET /ws?access_token=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r)
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	userID, err := s.auth.Verify(token)
	if err != nil {
		logger.FromCtx(r.Context()).Debug("ws auth failed", logger.Err(err))
		http.Error(w, "invalid access_token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade сам пишет ответ клиенту
		logger.FromCtx(r.Context()).Warn("ws upgrade failed", logger.User(string(userID)), logger.Err(err))
		return
	}

	// контекст сессии не должен умирать вместе с запросом после hijack
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sessionID := uuid.NewString()
	c := newWsConn(conn, s.cfg.SendBuffer)
	s.gw.OnConnect(ctx, sessionID, userID, c)

	go s.writeLoop(ctx, c)
	s.readLoop(ctx, sessionID, c)

	s.gw.OnDisconnect(ctx, sessionID)
	if err := c.Close(); err != nil {
		logger.FromCtx(ctx).Debug("ws close failed", logger.Session(sessionID), logger.Err(err))
	}
}

func (s *Server) readLoop(ctx context.Context, sessionID string, c *wsConn) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.FromCtx(ctx).Debug("ws read failed", logger.Session(sessionID), logger.Err(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingEvery))
		s.gw.OnInboundEvent(ctx, sessionID, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.cfg.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame, s.cfg.WriteTimeout); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
