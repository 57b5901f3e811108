package http

import (
	"context"

	"github.com/dkeye/huddle/internal/adapters/storews"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/rooms"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	sessionName       = "HuddleSessions"
	sessionUserID     = "user_id"
	sessionUserName   = "display_name"
	clientTokenCookie = "ct"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every client a stable anonymous token. It
// becomes the user id of a sign-in that does not bring its own.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(clientTokenCookie)
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type handlers struct {
	store    docstore.Store
	tokens   *identity.Tokens
	registry *app.Registry
	lookup   *rooms.Service
}

func SetupRouter(ctx context.Context, cfg *config.Config, store docstore.Store, tokens *identity.Tokens, registry *app.Registry) (*gin.Engine, error) {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	sessionStore.Options(sessions.Options{Path: "/", MaxAge: int(cfg.TokenTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, sessionStore))
	r.Use(ClientTokenMiddleware())

	// Invite-code lookups need no signed-in user.
	lookup, err := rooms.NewService(store, identity.NewStatic(nil))
	if err != nil {
		return nil, err
	}
	h := &handlers{store: store, tokens: tokens, registry: registry, lookup: lookup}

	ws := &storews.Server{
		Store:      store,
		Tokens:     tokens,
		Registry:   registry,
		Limiter:    storews.NewWriteLimiter(cfg.WriteLimit, writeWindow),
		Policy:     app.SimplePolicy{},
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	r.GET("/call/:roomId/:callId", h.callLanding)

	api := r.Group("/api")
	api.GET("/health", h.health)
	api.POST("/auth/session", h.signIn)
	api.GET("/auth/session", h.currentSession)
	api.DELETE("/auth/session", h.signOut)
	api.GET("/rooms/by-code/:code", h.roomByCode)

	api.GET("/store/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws store endpoint hit")
		ws.HandleStore(ctx, c)
	})

	return r, nil
}
