package storews

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/signaling"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

type harness struct {
	store    *docstore.Memory
	tokens   *identity.Tokens
	registry *app.Registry
	url      string
}

func newHarness(t *testing.T, limiter *WriteLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := docstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:    store,
		tokens:   identity.NewTokens("test-secret", time.Hour),
		registry: app.NewRegistry(),
	}
	srv := &Server{Store: store, Tokens: h.tokens, Registry: h.registry, Limiter: limiter, ReadLimit: 1 << 20}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/api/store/ws", func(c *gin.Context) { srv.HandleStore(ctx, c) })
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	h.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/store/ws"
	return h
}

func (h *harness) dial(t *testing.T, user string) *Client {
	t.Helper()
	token, err := h.tokens.Issue(&domain.User{ID: domain.UserID(user), DisplayName: user})
	require.NoError(t, err)
	c, err := Dial(context.Background(), h.url, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_RejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	_, err := Dial(context.Background(), h.url, "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = Dial(context.Background(), h.url, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_Operations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.dial(t, "ada")

	require.NoError(t, c.Set(ctx, "rooms/r1", docstore.Data{"name": "one", "n": 1}))
	require.NoError(t, c.Set(ctx, "rooms/r1", docstore.Data{"extra": true}, docstore.Merge()))
	snap, err := c.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "one", snap.Data["name"])
	assert.Equal(t, float64(1), snap.Data["n"])
	assert.Equal(t, true, snap.Data["extra"])

	missing, err := c.Get(ctx, "rooms/none")
	require.NoError(t, err)
	assert.False(t, missing.Exists)

	assert.ErrorIs(t, c.Create(ctx, "rooms/r1", docstore.Data{}), docstore.ErrAlreadyExists)
	assert.ErrorIs(t, c.Update(ctx, "rooms/none", docstore.Data{"x": 1}), docstore.ErrNotFound)
	assert.ErrorIs(t, c.Set(ctx, "rooms", docstore.Data{}), docstore.ErrInvalidPath)

	ok, err := c.CompareAndSet(ctx, "rooms/r1/voice/current", "activeCallId", nil, docstore.Data{"activeCallId": "c1"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.CompareAndSet(ctx, "rooms/r1/voice/current", "activeCallId", nil, docstore.Data{"activeCallId": "c2"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.CompareAndSet(ctx, "rooms/r1/voice/current", "activeCallId", "c1", docstore.Data{"activeCallId": nil})
	require.NoError(t, err)
	assert.True(t, ok)

	id, err := c.Add(ctx, "rooms/r1/messages", docstore.Data{"text": "hi", "createdAt": docstore.ServerTimestamp()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	docs, err := c.Query(ctx, "rooms/r1/messages", docstore.Query{OrderBy: "createdAt"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)

	require.NoError(t, c.Delete(ctx, "rooms/r1"))
	snap, err = h.store.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestClient_WatchAcrossConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	ada, bob := h.dial(t, "ada"), h.dial(t, "bob")

	var mu sync.Mutex
	var seen []any
	sub, err := bob.Watch(ctx, "rooms/r1", func(s *docstore.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Exists {
			seen = append(seen, s.Data["n"])
		} else {
			seen = append(seen, nil)
		}
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, ada.Set(ctx, "rooms/r1", docstore.Data{"n": i}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, wait, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []any{nil, float64(1), float64(2), float64(3)}, seen)
	mu.Unlock()

	sub.Stop()
	sub.Stop()
	require.NoError(t, ada.Set(ctx, "rooms/r1", docstore.Data{"n": 4}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, seen, 4)
	mu.Unlock()
}

func TestClient_WatchQueryChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.dial(t, "ada")

	var mu sync.Mutex
	var changes []docstore.ChangeType
	sub, err := c.WatchQuery(ctx, "rooms/r1/candidates", docstore.Query{}, func(qs *docstore.QuerySnapshot) {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range qs.Changes {
			changes = append(changes, ch.Type)
		}
	})
	require.NoError(t, err)
	defer sub.Stop()

	id, err := h.store.Add(ctx, "rooms/r1/candidates", docstore.Data{"candidate": "a"})
	require.NoError(t, err)
	require.NoError(t, h.store.Update(ctx, "rooms/r1/candidates/"+id, docstore.Data{"candidate": "b"}))
	require.NoError(t, h.store.Delete(ctx, "rooms/r1/candidates/"+id))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 3
	}, wait, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []docstore.ChangeType{docstore.ChangeAdded, docstore.ChangeModified, docstore.ChangeRemoved}, changes)
	mu.Unlock()
}

func TestServer_RateLimitsWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, NewWriteLimiter(2, time.Minute))
	c := h.dial(t, "ada")

	require.NoError(t, c.Set(ctx, "rooms/a", docstore.Data{}))
	require.NoError(t, c.Set(ctx, "rooms/b", docstore.Data{}))
	assert.ErrorIs(t, c.Set(ctx, "rooms/c", docstore.Data{}), ErrRateLimited)

	_, err := c.Get(ctx, "rooms/a")
	assert.NoError(t, err)
}

func TestServer_TracksConnections(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "ada")
	require.Eventually(t, func() bool { return h.registry.Online("ada") }, wait, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !h.registry.Online("ada") }, wait, 5*time.Millisecond)

	_, err := c.Get(context.Background(), "rooms/a")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestServer_CancelUserDropsClient(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "ada")
	require.Eventually(t, func() bool { return h.registry.Online("ada") }, wait, 5*time.Millisecond)

	assert.Equal(t, 1, h.registry.CancelUser("ada"))
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatal("client still connected")
	}
}

func TestSignalingOverWebsocket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	ada, bob := h.dial(t, "ada"), h.dial(t, "bob")

	adaFactory, bobFactory := &coretest.Factory{}, &coretest.Factory{}
	callerEngine := signaling.NewEngine(ada, &coretest.Capture{}, adaFactory, &coretest.Sink{})
	calleeEngine := signaling.NewEngine(bob, &coretest.Capture{}, bobFactory, &coretest.Sink{})

	caller, err := callerEngine.StartCaller(ctx, "r1", "ada")
	require.NoError(t, err)
	defer caller.Teardown()

	callee, err := calleeEngine.JoinCallee(ctx, "r1", caller.ID(), "bob")
	require.NoError(t, err)
	defer callee.Teardown()

	require.Eventually(t, func() bool { return caller.State() == signaling.StateConnected }, wait, 5*time.Millisecond)

	mid := "0"
	bobFactory.Last().EmitCandidate(domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid})
	require.Eventually(t, func() bool { return len(adaFactory.Last().Applied()) == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, calleeEngine.HangUp(ctx, callee))
	select {
	case <-caller.Done():
	case <-time.After(wait):
		t.Fatal("caller did not observe hang up")
	}
}
