package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/huddle/internal/app/rooms"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const writeWindow = time.Second

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.registry.Connections()})
}

func (h *handlers) respondSession(c *gin.Context, u *domain.User) {
	token, err := h.tokens.Issue(u)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token"})
		return
	}
	c.JSON(http.StatusOK, identity.SessionResponse{User: *u, Token: token})
}

func (h *handlers) signIn(c *gin.Context) {
	var req identity.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id := req.UserID
	if id == "" {
		id = domain.UserID(c.GetString("client_token"))
	}
	u, err := domain.NewUser(id, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionUserID, string(u.ID))
	sess.Set(sessionUserName, u.DisplayName)
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", string(u.ID)).Msg("signed in")
	h.respondSession(c, u)
}

func sessionUser(c *gin.Context) *domain.User {
	sess := sessions.Default(c)
	id, _ := sess.Get(sessionUserID).(string)
	name, _ := sess.Get(sessionUserName).(string)
	u, err := domain.NewUser(domain.UserID(id), name)
	if err != nil {
		return nil
	}
	return u
}

func (h *handlers) currentSession(c *gin.Context) {
	u := sessionUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}
	h.respondSession(c, u)
}

// signOut clears the session and closes the user's store connections.
func (h *handlers) signOut(c *gin.Context) {
	u := sessionUser(c)
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("clear session")
	}
	if u != nil {
		h.registry.CancelUser(u.ID)
		log.Info().Str("module", "adapters.http").Str("user", string(u.ID)).Msg("signed out")
	}
	c.Status(http.StatusNoContent)
}

type roomInfo struct {
	ID       domain.RoomID `json:"id"`
	Name     string        `json:"name"`
	JoinCode string        `json:"joinCode"`
}

func (h *handlers) roomByCode(c *gin.Context) {
	room, err := h.lookup.FindByCode(c.Request.Context(), c.Param("code"))
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("room by code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, roomInfo{ID: room.ID, Name: room.Name, JoinCode: room.JoinCode})
}

type callInfo struct {
	RoomID domain.RoomID     `json:"roomId"`
	CallID domain.CallID     `json:"callId"`
	Status domain.CallStatus `json:"status"`
	// Joinable is true while the session has an offer and has not ended.
	Joinable bool `json:"joinable"`
}

// callLanding is where share links point.
func (h *handlers) callLanding(c *gin.Context) {
	room := domain.RoomID(c.Param("roomId"))
	call := domain.CallID(c.Param("callId"))
	snap, err := h.store.Get(c.Request.Context(), domain.CallPath(room, call))
	if errors.Is(err, docstore.ErrInvalidPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid link"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("call landing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !snap.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	sess, err := docstore.Decode[domain.CallSession](snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bad call record"})
		return
	}
	c.JSON(http.StatusOK, callInfo{
		RoomID:   room,
		CallID:   call,
		Status:   sess.Status,
		Joinable: sess.Offer != nil && !sess.Ended(),
	})
}
