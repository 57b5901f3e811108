package storews

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 256

// Server exposes a docstore.Store to authenticated websocket clients.
type Server struct {
	Store    docstore.Store
	Tokens   *identity.Tokens
	Registry *app.Registry
	Limiter  *WriteLimiter
	Policy   app.Policy

	ReadLimit  int64
	PingPeriod time.Duration
}

type wsConn struct {
	id   app.ConnID
	user domain.UserID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool

	subsMu sync.Mutex
	subs   map[uint64]docstore.Subscription
}

func (c *wsConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()

	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()
	for _, s := range subs {
		s.Stop()
	}
}

func (c *wsConn) addSub(id uint64, s docstore.Subscription) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs == nil {
		return false
	}
	if prev, ok := c.subs[id]; ok {
		prev.Stop()
	}
	c.subs[id] = s
	return true
}

func (c *wsConn) dropSub(id uint64) {
	c.subsMu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		s.Stop()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bearer extracts the token from the Authorization header or the token
// query parameter, for clients that cannot set headers on upgrade.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleStore(ctx context.Context, c *gin.Context) {
	user, err := s.Tokens.Verify(bearer(c.Request))
	if err != nil {
		log.Warn().Err(err).Str("module", "storews").Msg("rejected connection")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "storews").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		id:   app.ConnID(uuid.NewString()),
		user: user.ID,
		conn: ws,
		send: make(chan []byte, sendBuffer),
		subs: make(map[uint64]docstore.Subscription),
	}
	if s.ReadLimit > 0 {
		ws.SetReadLimit(s.ReadLimit)
	}

	ctx, cancel := context.WithCancel(ctx)
	if s.Registry != nil {
		s.Registry.Bind(conn.id, conn.user, cancel)
	}
	log.Info().Str("module", "storews").Str("conn", string(conn.id)).Str("user", string(user.ID)).Msg("new store connection")

	go s.writePump(ctx, conn)
	go s.readPump(ctx, cancel, conn)
}
