package storews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (s *Server) writePump(ctx context.Context, c *wsConn) {
	var ping <-chan time.Time
	if s.PingPeriod > 0 {
		t := time.NewTicker(s.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "storews").Str("conn", string(c.id)).Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "storews").Str("conn", string(c.id)).Msg("ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "storews").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "storews").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer func() {
		log.Info().Str("module", "storews").Str("conn", string(c.id)).Msg("readPump closing")
		cancel()
		c.Close()
		if s.Registry != nil {
			s.Registry.Unbind(c.id)
			if !s.Registry.Online(c.user) {
				s.Limiter.Forget(c.user)
			}
		}
	}()

	if s.PingPeriod > 0 {
		// Peers answer pings with pongs; silence for two periods is a dead link.
		deadline := 2 * s.PingPeriod
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "storews").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Error().Err(err).Str("module", "storews").Msg("bad json")
			s.reply(c, &Response{Type: TypeResult, Code: CodeBadRequest, Error: err.Error()})
			continue
		}
		s.handle(ctx, c, &req)
	}
}

func isWrite(op string) bool {
	switch op {
	case OpSet, OpCreate, OpUpdate, OpCAS, OpDelete, OpAdd:
		return true
	}
	return false
}

func (s *Server) handle(ctx context.Context, c *wsConn, req *Request) {
	resp := &Response{Type: TypeResult, ID: req.ID}
	if isWrite(req.Op) && !s.Limiter.Allow(c.user) {
		fail(resp, ErrRateLimited)
		s.reply(c, resp)
		return
	}

	var err error
	switch req.Op {
	case OpPing:
	case OpGet:
		resp.Doc, err = s.Store.Get(ctx, req.Path)
	case OpSet:
		var opts []docstore.SetOption
		if req.Merge {
			opts = append(opts, docstore.Merge())
		}
		err = s.Store.Set(ctx, req.Path, req.Data, opts...)
	case OpCreate:
		err = s.Store.Create(ctx, req.Path, req.Data)
	case OpUpdate:
		err = s.Store.Update(ctx, req.Path, req.Data)
	case OpCAS:
		resp.OK, err = s.Store.CompareAndSet(ctx, req.Path, req.Field, req.Expected, req.Data)
	case OpDelete:
		err = s.Store.Delete(ctx, req.Path)
	case OpAdd:
		resp.DocID, err = s.Store.Add(ctx, req.Path, req.Data)
	case OpQuery:
		resp.Docs, err = s.Store.Query(ctx, req.Path, queryOf(req))
	case OpWatch:
		err = s.watch(ctx, c, req)
	case OpWatchQuery:
		err = s.watchQuery(ctx, c, req)
	case OpUnwatch:
		c.dropSub(req.Sub)
	default:
		resp.Code = CodeBadRequest
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
		log.Warn().Str("module", "storews").Str("op", req.Op).Msg("unknown op")
	}
	if err != nil {
		fail(resp, err)
	}
	s.reply(c, resp)
}

func queryOf(req *Request) docstore.Query {
	if req.Query == nil {
		return docstore.Query{}
	}
	return *req.Query
}

func fail(resp *Response, err error) {
	resp.Code = codeOf(err)
	resp.Error = err.Error()
}

// Subscription ids are the ids of the requests that opened them.
func (s *Server) watch(ctx context.Context, c *wsConn, req *Request) error {
	id := req.ID
	sub, err := s.Store.Watch(ctx, req.Path, func(snap *docstore.Snapshot) {
		s.reply(c, &Response{Type: TypeEvent, Sub: id, Doc: snap})
	})
	if err != nil {
		return err
	}
	if !c.addSub(id, sub) {
		sub.Stop()
		return docstore.ErrClosed
	}
	return nil
}

func (s *Server) watchQuery(ctx context.Context, c *wsConn, req *Request) error {
	id := req.ID
	sub, err := s.Store.WatchQuery(ctx, req.Path, queryOf(req), func(qs *docstore.QuerySnapshot) {
		s.reply(c, &Response{Type: TypeEvent, Sub: id, Results: qs})
	})
	if err != nil {
		return err
	}
	if !c.addSub(id, sub) {
		sub.Stop()
		return docstore.ErrClosed
	}
	return nil
}

func (s *Server) reply(c *wsConn, resp *Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "storews").Msg("reply marshal")
		return
	}
	err = c.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	policy := s.Policy
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	if policy.OnBackpressure(c.user, len(c.send)) == app.Disconnect {
		log.Warn().Str("module", "storews").Str("conn", string(c.id)).Str("user", string(c.user)).Msg("slow consumer disconnected")
		c.Close()
	}
}
