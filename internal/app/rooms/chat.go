package rooms

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// SendMessage appends a chat line when the signed-in user may chat.
func (s *Service) SendMessage(ctx context.Context, room domain.RoomID, text string) (string, error) {
	u, err := s.user()
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMessageEmpty
	}
	if len(text) > domain.MaxMessageLen {
		return "", ErrMessageTooLong
	}
	eff, err := s.Effective(ctx, room)
	if err != nil {
		return "", err
	}
	if !eff.CanChat {
		return "", fmt.Errorf("%w: chat", core.ErrPermissionDenied)
	}

	id, err := s.store.Add(ctx, domain.MessagesCollection(room), docstore.Data{
		domain.FieldText:         text,
		domain.FieldAuthorUserID: string(u.ID),
		domain.FieldAuthorName:   u.DisplayName,
		domain.FieldCreatedAt:    docstore.ServerTimestamp(),
	})
	if err != nil {
		return "", core.StoreWrite("send message", err)
	}
	return id, nil
}

var messageQuery = docstore.Query{OrderBy: domain.FieldCreatedAt}

func decodeMessages(docs []*docstore.Snapshot) []domain.Message {
	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		m, err := docstore.Decode[domain.Message](d)
		if err != nil {
			log.Warn().Err(err).Str("module", "rooms").Str("path", d.Path).Msg("undecodable message")
			continue
		}
		m.ID = d.ID
		out = append(out, *m)
	}
	return out
}

// Messages returns the room's chat, oldest first.
func (s *Service) Messages(ctx context.Context, room domain.RoomID) ([]domain.Message, error) {
	docs, err := s.store.Query(ctx, domain.MessagesCollection(room), messageQuery)
	if err != nil {
		return nil, err
	}
	return decodeMessages(docs), nil
}

// WatchMessages delivers the full ordered chat on every change.
func (s *Service) WatchMessages(ctx context.Context, room domain.RoomID, fn func([]domain.Message)) (docstore.Subscription, error) {
	return s.store.WatchQuery(ctx, domain.MessagesCollection(room), messageQuery, func(qs *docstore.QuerySnapshot) {
		fn(decodeMessages(qs.Docs))
	})
}

var memberQuery = docstore.Query{OrderBy: domain.FieldJoinedAt}

func decodeMembers(docs []*docstore.Snapshot) []domain.Member {
	out := make([]domain.Member, 0, len(docs))
	for _, d := range docs {
		m, err := docstore.Decode[domain.Member](d)
		if err != nil {
			log.Warn().Err(err).Str("module", "rooms").Str("path", d.Path).Msg("undecodable member")
			continue
		}
		out = append(out, *m)
	}
	return out
}

func (s *Service) Members(ctx context.Context, room domain.RoomID) ([]domain.Member, error) {
	docs, err := s.store.Query(ctx, domain.MembersCollection(room), memberQuery)
	if err != nil {
		return nil, err
	}
	return decodeMembers(docs), nil
}

// WatchMembers delivers the member list, earliest joiner first, on every change.
func (s *Service) WatchMembers(ctx context.Context, room domain.RoomID, fn func([]domain.Member)) (docstore.Subscription, error) {
	return s.store.WatchQuery(ctx, domain.MembersCollection(room), memberQuery, func(qs *docstore.QuerySnapshot) {
		fn(decodeMembers(qs.Docs))
	})
}
