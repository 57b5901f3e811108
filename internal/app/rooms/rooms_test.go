package rooms

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(b bool) *bool { return &b }

type fixture struct {
	store *docstore.Memory
	admin *Service
	bob   *Service
	room  *domain.Room
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := docstore.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	admin, err := NewService(store, identity.NewStatic(&domain.User{ID: "ada", DisplayName: "Ada"}))
	require.NoError(t, err)
	bob, err := NewService(store, identity.NewStatic(&domain.User{ID: "bob", DisplayName: "Bob"}))
	require.NoError(t, err)

	room, err := admin.CreateRoom(context.Background(), "  Standup  ")
	require.NoError(t, err)
	return &fixture{store: store, admin: admin, bob: bob, room: room}
}

func TestCreateRoom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	assert.Equal(t, "Standup", f.room.Name)
	assert.Equal(t, domain.UserID("ada"), f.room.AdminUserID)
	assert.True(t, domain.IsValidJoinCode(f.room.JoinCode))
	assert.Empty(t, f.room.MissingSettings())
	assert.Equal(t, domain.DefaultRoomSettings(), f.room.Settings())

	m, err := f.admin.Member(ctx, f.room.ID, "ada")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsAdmin())

	_, err = f.admin.CreateRoom(ctx, "   ")
	assert.ErrorIs(t, err, ErrRoomNameEmpty)

	signedOut, err := NewService(f.store, identity.NewStatic(nil))
	require.NoError(t, err)
	_, err = signedOut.CreateRoom(ctx, "x")
	assert.ErrorIs(t, err, core.ErrNotSignedIn)
}

func TestFindByCode(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	got, err := f.bob.FindByCode(ctx, " "+strings.ToLower(f.room.JoinCode)+" ")
	require.NoError(t, err)
	assert.Equal(t, f.room.ID, got.ID)

	_, err = f.bob.FindByCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = f.bob.FindByCode(ctx, "0O1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestEnter_UpsertKeepsRoleAndOverrides(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m, err := f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, m.Role)
	joined := m.JoinedAt

	require.NoError(t, f.admin.SetOverride(ctx, f.room.ID, "bob", domain.CapabilityChat, ptr(false)))

	m, err = f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)
	require.NotNil(t, m.CanChat)
	assert.False(t, *m.CanChat)
	assert.True(t, joined.Equal(m.JoinedAt))

	m, err = f.admin.Enter(ctx, f.room.ID)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())

	_, err = f.bob.Enter(ctx, "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestEnter_BackfillsSettings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, domain.RoomPath("old"), docstore.Data{
		domain.FieldName:        "Legacy",
		domain.FieldAdminUserID: "ada",
		domain.FieldJoinCode:    "ABCDEF",
		domain.FieldLockChat:    true,
	}))

	_, err := f.bob.Enter(ctx, "old")
	require.NoError(t, err)

	room, err := f.bob.Room(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, room.MissingSettings())
	assert.Equal(t, domain.RoomSettings{DefaultCanChat: true, DefaultCanCall: true, LockChat: true, LockCalls: false}, room.Settings())
}

func TestUpdateSettings_AdminOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)

	err = f.bob.UpdateSettings(ctx, f.room.ID, SettingsPatch{LockCalls: ptr(true)})
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	assert.ErrorIs(t, f.admin.UpdateSettings(ctx, f.room.ID, SettingsPatch{}), ErrInvalidSettings)

	require.NoError(t, f.admin.UpdateSettings(ctx, f.room.ID, SettingsPatch{LockCalls: ptr(true)}))
	eff, err := f.bob.Effective(ctx, f.room.ID)
	require.NoError(t, err)
	assert.False(t, eff.CanCall)
	assert.True(t, eff.CanChat)

	eff, err = f.admin.Effective(ctx, f.room.ID)
	require.NoError(t, err)
	assert.True(t, eff.CanCall)
}

func TestSetOverride(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.admin.SetOverride(ctx, f.room.ID, "ghost", domain.CapabilityChat, ptr(false)), ErrMemberNotFound)
	assert.ErrorIs(t, f.admin.SetOverride(ctx, f.room.ID, "ada", domain.CapabilityChat, ptr(false)), ErrAdminImmutable)
	assert.ErrorIs(t, f.bob.SetOverride(ctx, f.room.ID, "bob", domain.CapabilityChat, ptr(true)), core.ErrPermissionDenied)

	require.NoError(t, f.admin.SetOverride(ctx, f.room.ID, "bob", domain.CapabilityChat, ptr(false)))
	_, err = f.bob.SendMessage(ctx, f.room.ID, "hi")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	require.NoError(t, f.admin.SetOverride(ctx, f.room.ID, "bob", domain.CapabilityChat, nil))
	m, err := f.bob.Member(ctx, f.room.ID, "bob")
	require.NoError(t, err)
	assert.Nil(t, m.CanChat)

	_, err = f.bob.SendMessage(ctx, f.room.ID, "hi again")
	assert.NoError(t, err)
}

func TestChat_OrderAndValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)

	var mu sync.Mutex
	var last []domain.Message
	sub, err := f.bob.WatchMessages(ctx, f.room.ID, func(ms []domain.Message) {
		mu.Lock()
		last = ms
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()

	for _, text := range []string{"one", "two", "three"} {
		svc := f.bob
		if text == "two" {
			svc = f.admin
		}
		_, err := svc.SendMessage(ctx, f.room.ID, text)
		require.NoError(t, err)
	}

	_, err = f.bob.SendMessage(ctx, f.room.ID, "   ")
	assert.ErrorIs(t, err, ErrMessageEmpty)
	_, err = f.bob.SendMessage(ctx, f.room.ID, strings.Repeat("x", domain.MaxMessageLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	msgs, err := f.bob.Messages(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "Ada", msgs[1].AuthorName)
	assert.Equal(t, "three", msgs[2].Text)
	assert.NotEmpty(t, msgs[0].ID)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 3 && last[2].Text == "three"
	}, time.Second, 5*time.Millisecond)
}

func TestMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)

	ms, err := f.bob.Members(ctx, f.room.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, domain.UserID("ada"), ms[0].UserID)
	assert.Equal(t, "Bob", ms[1].DisplayName)
}

func TestWatchMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var mu sync.Mutex
	var last []domain.Member
	sub, err := f.admin.WatchMembers(ctx, f.room.ID, func(ms []domain.Member) {
		mu.Lock()
		last = ms
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Stop()

	_, err = f.bob.Enter(ctx, f.room.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 2 && last[0].UserID == "ada" && last[1].UserID == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestCreateRoom_TruncatesOnRuneBoundary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	name := strings.Repeat("a", MaxRoomNameLen-1) + "é"
	room, err := f.admin.CreateRoom(ctx, name)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(room.Name))
	assert.Equal(t, strings.Repeat("a", MaxRoomNameLen-1), room.Name)

	room, err = f.admin.CreateRoom(ctx, strings.Repeat("ж", MaxRoomNameLen))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(room.Name))
	assert.Len(t, room.Name, MaxRoomNameLen)

	stored, err := f.admin.Room(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Name, stored.Name)
}
