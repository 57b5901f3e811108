package storews

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/docstore"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client is a docstore.Store backed by a remote Server. Watch callbacks run
// serially per subscription, in the order the server sent the events.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Response
	subs    map[uint64]*clientSub
	closed  bool
	done    chan struct{}
}

type clientSub struct {
	d       *docstore.Dispatcher
	onDoc   func(*docstore.Snapshot)
	onQuery func(*docstore.QuerySnapshot)
}

// Dial connects to a store endpoint with a bearer token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *Response),
		subs:    make(map[uint64]*clientSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	log.Info().Str("module", "storews.client").Str("url", url).Msg("connected")
	return c, nil
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.shutdown()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	subs := c.subs
	c.pending = nil
	c.subs = nil
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, s := range subs {
		s.d.Stop()
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Str("module", "storews.client").Msg("connection lost")
			}
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Error().Err(err).Str("module", "storews.client").Msg("bad frame")
			continue
		}
		switch resp.Type {
		case TypeResult:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
		case TypeEvent:
			c.mu.Lock()
			sub, ok := c.subs[resp.Sub]
			c.mu.Unlock()
			if !ok {
				continue
			}
			ev := resp
			sub.d.Enqueue(func() {
				switch {
				case sub.onDoc != nil && ev.Doc != nil:
					sub.onDoc(ev.Doc)
				case sub.onQuery != nil && ev.Results != nil:
					sub.onQuery(ev.Results)
				}
			})
		}
	}
}

// register reserves a request id; with sub set the subscription is in
// place before the request leaves, so no early event is lost.
func (c *Client) register(sub *clientSub) (uint64, chan *Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	if sub != nil {
		c.subs[id] = sub
	}
	return id, ch, nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) write(req *Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) roundTrip(ctx context.Context, req *Request, sub *clientSub) (*Response, error) {
	id, ch, err := c.register(sub)
	if err != nil {
		return nil, err
	}
	req.ID = id
	if err := c.write(req); err != nil {
		c.forget(id)
		c.dropSub(id)
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if err := resp.err(); err != nil {
			c.dropSub(id)
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		c.unwatch(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropSub(id uint64) *clientSub {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		sub.d.Stop()
	}
	return sub
}

func (c *Client) unwatch(id uint64) {
	if c.dropSub(id) == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.write(&Request{Op: OpUnwatch, Sub: id}); err != nil {
		log.Debug().Err(err).Str("module", "storews.client").Msg("unwatch")
	}
}

func (c *Client) Get(ctx context.Context, path string) (*docstore.Snapshot, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpGet, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Doc == nil {
		return &docstore.Snapshot{Path: path}, nil
	}
	return resp.Doc, nil
}

func (c *Client) Set(ctx context.Context, path string, data docstore.Data, opts ...docstore.SetOption) error {
	req := &Request{Op: OpSet, Path: path, Data: data, Merge: docstore.IsMerge(opts...)}
	_, err := c.roundTrip(ctx, req, nil)
	return err
}

func (c *Client) Create(ctx context.Context, path string, data docstore.Data) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpCreate, Path: path, Data: data}, nil)
	return err
}

func (c *Client) Update(ctx context.Context, path string, data docstore.Data) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpUpdate, Path: path, Data: data}, nil)
	return err
}

func (c *Client) CompareAndSet(ctx context.Context, path, field string, expected any, data docstore.Data) (bool, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpCAS, Path: path, Field: field, Expected: expected, Data: data}, nil)
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, &Request{Op: OpDelete, Path: path}, nil)
	return err
}

func (c *Client) Add(ctx context.Context, collection string, data docstore.Data) (string, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpAdd, Path: collection, Data: data}, nil)
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *Client) Query(ctx context.Context, collection string, q docstore.Query) ([]*docstore.Snapshot, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: OpQuery, Path: collection, Query: &q}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

type remoteSub struct {
	once sync.Once
	c    *Client
	id   uint64
}

func (s *remoteSub) Stop() {
	s.once.Do(func() { s.c.unwatch(s.id) })
}

func (c *Client) Watch(ctx context.Context, path string, fn func(*docstore.Snapshot)) (docstore.Subscription, error) {
	sub := &clientSub{d: docstore.NewDispatcher(), onDoc: fn}
	resp, err := c.roundTrip(ctx, &Request{Op: OpWatch, Path: path}, sub)
	if err != nil {
		return nil, err
	}
	return &remoteSub{c: c, id: resp.ID}, nil
}

func (c *Client) WatchQuery(ctx context.Context, collection string, q docstore.Query, fn func(*docstore.QuerySnapshot)) (docstore.Subscription, error) {
	sub := &clientSub{d: docstore.NewDispatcher(), onQuery: fn}
	resp, err := c.roundTrip(ctx, &Request{Op: OpWatchQuery, Path: collection, Query: &q}, sub)
	if err != nil {
		return nil, err
	}
	return &remoteSub{c: c, id: resp.ID}, nil
}

var _ docstore.Store = (*Client)(nil)
