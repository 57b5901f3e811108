// Package rooms creates rooms, admits members, applies admin settings and
// carries the room chat.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/huddle/internal/app/permission"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/identity"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrMemberNotFound  = errors.New("member not found")
	ErrAdminImmutable  = errors.New("admin capabilities cannot be overridden")
	ErrMessageEmpty    = errors.New("message empty")
	ErrMessageTooLong  = errors.New("message too long")
	ErrInvalidSettings = errors.New("no settings to change")
)

const (
	MaxRoomNameLen = 80
	codeAttempts   = 5
)

type Service struct {
	store docstore.Store
	ids   identity.Provider
	codes func() string
}

func NewService(store docstore.Store, ids identity.Provider) (*Service, error) {
	gen, err := domain.JoinCodeGenerator()
	if err != nil {
		return nil, fmt.Errorf("join code generator: %w", err)
	}
	return &Service{store: store, ids: ids, codes: gen}, nil
}

func (s *Service) user() (*domain.User, error) {
	u := s.ids.Current()
	if u == nil {
		return nil, core.ErrNotSignedIn
	}
	return u, nil
}

// truncateName cuts name to at most MaxRoomNameLen bytes on a rune boundary.
func truncateName(name string) string {
	if len(name) <= MaxRoomNameLen {
		return name
	}
	i := MaxRoomNameLen
	for i > 0 && !utf8.RuneStart(name[i]) {
		i--
	}
	return name[:i]
}

// CreateRoom creates a room owned by the signed-in user, who becomes its admin.
func (s *Service) CreateRoom(ctx context.Context, name string) (*domain.Room, error) {
	u, err := s.user()
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrRoomNameEmpty
	}
	name = truncateName(name)

	code, err := s.freshCode(ctx)
	if err != nil {
		return nil, err
	}

	data := docstore.Data{
		domain.FieldName:        name,
		domain.FieldAdminUserID: string(u.ID),
		domain.FieldJoinCode:    code,
		domain.FieldCreatedAt:   docstore.ServerTimestamp(),
	}
	for k, v := range domain.DefaultRoomSettings().Fields() {
		data[k] = v
	}
	id, err := s.store.Add(ctx, domain.RoomsCollection, data)
	if err != nil {
		return nil, core.StoreWrite("create room", err)
	}
	room := domain.RoomID(id)

	if err := s.store.Set(ctx, domain.MemberPath(room, u.ID), docstore.Data{
		domain.FieldUserID:      string(u.ID),
		domain.FieldDisplayName: u.DisplayName,
		domain.FieldRole:        string(domain.RoleAdmin),
		domain.FieldJoinedAt:    docstore.ServerTimestamp(),
	}); err != nil {
		return nil, core.StoreWrite("create admin member", err)
	}
	log.Info().Str("module", "rooms").Str("room", id).Str("code", code).Str("user", string(u.ID)).Msg("room created")
	return s.Room(ctx, room)
}

// freshCode picks a join code not used by another room. Uniqueness is best effort.
func (s *Service) freshCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := s.codes()
		docs, err := s.store.Query(ctx, domain.RoomsCollection, docstore.Query{
			Where: []docstore.Filter{{Field: domain.FieldJoinCode, Value: code}},
			Limit: 1,
		})
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free join code after %d attempts", codeAttempts)
}

func decodeRoom(snap *docstore.Snapshot) (*domain.Room, error) {
	r, err := docstore.Decode[domain.Room](snap)
	if err != nil {
		return nil, err
	}
	r.ID = domain.RoomID(snap.ID)
	return r, nil
}

func (s *Service) Room(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	snap, err := s.store.Get(ctx, domain.RoomPath(id))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return decodeRoom(snap)
}

// FindByCode resolves an invite code, case-insensitively.
func (s *Service) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	code = domain.NormalizeJoinCode(code)
	if !domain.IsValidJoinCode(code) {
		return nil, fmt.Errorf("%w: code %q", ErrRoomNotFound, code)
	}
	docs, err := s.store.Query(ctx, domain.RoomsCollection, docstore.Query{
		Where:   []docstore.Filter{{Field: domain.FieldJoinCode, Value: code}},
		OrderBy: domain.FieldCreatedAt,
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: code %q", ErrRoomNotFound, code)
	}
	return decodeRoom(docs[0])
}

// Member returns the member record of user in room, nil when absent.
func (s *Service) Member(ctx context.Context, room domain.RoomID, user domain.UserID) (*domain.Member, error) {
	snap, err := s.store.Get(ctx, domain.MemberPath(room, user))
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, nil
	}
	return docstore.Decode[domain.Member](snap)
}

// Enter records the signed-in user as a member of room and backfills room
// settings that predate the settings fields. Entering again only refreshes
// the display name; role and overrides are kept.
func (s *Service) Enter(ctx context.Context, roomID domain.RoomID) (*domain.Member, error) {
	u, err := s.user()
	if err != nil {
		return nil, err
	}
	room, err := s.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if missing := room.MissingSettings(); len(missing) > 0 {
		defaults := domain.DefaultRoomSettings().Fields()
		patch := docstore.Data{}
		for _, f := range missing {
			patch[f] = defaults[f]
		}
		if err := s.store.Update(ctx, domain.RoomPath(roomID), patch); err != nil {
			return nil, core.StoreWrite("backfill settings", err)
		}
		log.Info().Str("module", "rooms").Str("room", string(roomID)).Strs("fields", missing).Msg("settings backfilled")
	}

	path := domain.MemberPath(roomID, u.ID)
	role := domain.RoleMember
	if room.AdminUserID == u.ID {
		role = domain.RoleAdmin
	}
	err = s.store.Create(ctx, path, docstore.Data{
		domain.FieldUserID:      string(u.ID),
		domain.FieldDisplayName: u.DisplayName,
		domain.FieldRole:        string(role),
		domain.FieldJoinedAt:    docstore.ServerTimestamp(),
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		err = s.store.Update(ctx, path, docstore.Data{domain.FieldDisplayName: u.DisplayName})
	}
	if err != nil {
		return nil, core.StoreWrite("upsert member", err)
	}
	return s.Member(ctx, roomID, u.ID)
}

// requireAdmin returns the signed-in user when they administer room.
func (s *Service) requireAdmin(ctx context.Context, room domain.RoomID) (*domain.User, error) {
	u, err := s.user()
	if err != nil {
		return nil, err
	}
	m, err := s.Member(ctx, room, u.ID)
	if err != nil {
		return nil, err
	}
	if !m.IsAdmin() {
		return nil, fmt.Errorf("%w: admin only", core.ErrPermissionDenied)
	}
	return u, nil
}

// SettingsPatch changes the given room settings; nil fields stay as they are.
type SettingsPatch struct {
	DefaultCanChat *bool `json:"defaultCanChat,omitempty"`
	DefaultCanCall *bool `json:"defaultCanCall,omitempty"`
	LockChat       *bool `json:"lockChat,omitempty"`
	LockCalls      *bool `json:"lockCalls,omitempty"`
}

func (p SettingsPatch) data() docstore.Data {
	d := docstore.Data{}
	set := func(field string, v *bool) {
		if v != nil {
			d[field] = *v
		}
	}
	set(domain.FieldDefaultCanChat, p.DefaultCanChat)
	set(domain.FieldDefaultCanCall, p.DefaultCanCall)
	set(domain.FieldLockChat, p.LockChat)
	set(domain.FieldLockCalls, p.LockCalls)
	return d
}

func (s *Service) UpdateSettings(ctx context.Context, room domain.RoomID, patch SettingsPatch) error {
	data := patch.data()
	if len(data) == 0 {
		return ErrInvalidSettings
	}
	u, err := s.requireAdmin(ctx, room)
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, domain.RoomPath(room), data); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
		}
		return core.StoreWrite("update settings", err)
	}
	log.Info().Str("module", "rooms").Str("room", string(room)).Str("user", string(u.ID)).Interface("settings", data).Msg("settings updated")
	return nil
}

// SetOverride sets a member's override for c; nil clears it so the member
// inherits the room default again.
func (s *Service) SetOverride(ctx context.Context, room domain.RoomID, target domain.UserID, c domain.Capability, value *bool) error {
	if !c.Valid() {
		return fmt.Errorf("unknown capability %q", c)
	}
	if _, err := s.requireAdmin(ctx, room); err != nil {
		return err
	}
	m, err := s.Member(ctx, room, target)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, target)
	}
	if m.IsAdmin() {
		return ErrAdminImmutable
	}

	var v any = docstore.DeleteField()
	if value != nil {
		v = *value
	}
	if err := s.store.Update(ctx, domain.MemberPath(room, target), docstore.Data{domain.OverrideField(c): v}); err != nil {
		return core.StoreWrite("set override", err)
	}
	log.Info().Str("module", "rooms").Str("room", string(room)).Str("target", string(target)).Str("capability", string(c)).Msg("override changed")
	return nil
}

// Effective resolves the signed-in user's capabilities from fresh reads.
func (s *Service) Effective(ctx context.Context, room domain.RoomID) (permission.Effective, error) {
	u := s.ids.Current()
	if u == nil {
		return permission.Effective{}, nil
	}
	r, err := s.Room(ctx, room)
	if err != nil {
		return permission.Effective{}, err
	}
	m, err := s.Member(ctx, room, u.ID)
	if err != nil {
		return permission.Effective{}, err
	}
	return permission.Evaluate(u, r, m), nil
}
