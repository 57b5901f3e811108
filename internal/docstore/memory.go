package docstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type record struct {
	data       Data
	createTime time.Time
	updateTime time.Time
}

type docWatcher struct {
	path string
	fn   func(*Snapshot)
	d    *Dispatcher
}

type queryWatcher struct {
	collection string
	q          Query
	fn         func(*QuerySnapshot)
	d          *Dispatcher
}

// Memory is the authoritative in-process Store. With a Persister attached
// every write goes through it before becoming visible.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]*record
	docW    map[string]map[*docWatcher]struct{}
	queryW  map[string]map[*queryWatcher]struct{}
	lastTS  time.Time
	now     func() time.Time
	persist Persister
	closed  bool
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithPersister loads every stored document at startup and writes through on change.
func WithPersister(p Persister) MemoryOption {
	return func(m *Memory) { m.persist = p }
}

func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		docs:   make(map[string]*record),
		docW:   make(map[string]map[*docWatcher]struct{}),
		queryW: make(map[string]map[*queryWatcher]struct{}),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.persist != nil {
		stored, err := m.persist.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load documents: %w", err)
		}
		for _, sd := range stored {
			m.docs[sd.Path] = &record{data: sd.Data, createTime: sd.CreateTime, updateTime: sd.UpdateTime}
			if sd.UpdateTime.After(m.lastTS) {
				m.lastTS = sd.UpdateTime
			}
		}
		log.Info().Str("module", "docstore").Int("documents", len(stored)).Msg("documents loaded")
	}
	return m, nil
}

// Close stops every subscription and releases the persister.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var ds []*Dispatcher
	for _, ws := range m.docW {
		for w := range ws {
			ds = append(ds, w.d)
		}
	}
	for _, ws := range m.queryW {
		for w := range ws {
			ds = append(ds, w.d)
		}
	}
	m.docW = nil
	m.queryW = nil
	m.mu.Unlock()

	for _, d := range ds {
		d.Stop()
	}
	if m.persist != nil {
		return m.persist.Close()
	}
	return nil
}

// tick returns a strictly increasing server timestamp. Callers hold m.mu.
func (m *Memory) tick() time.Time {
	now := m.now().UTC()
	if !now.After(m.lastTS) {
		now = m.lastTS.Add(time.Microsecond)
	}
	m.lastTS = now
	return now
}

func (m *Memory) snapshotLocked(path string) *Snapshot {
	_, id := Split(path)
	s := &Snapshot{Path: path, ID: id}
	if r, ok := m.docs[path]; ok {
		s.Exists = true
		s.Data = cloneData(r.data)
		s.CreateTime = r.createTime
		s.UpdateTime = r.updateTime
	}
	return s
}

func (m *Memory) Get(_ context.Context, path string) (*Snapshot, error) {
	p, err := DocPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.snapshotLocked(p), nil
}

// resolve applies sentinels to data and merges it onto base when merge is set.
func (m *Memory) resolve(base Data, data Data, merge bool, ts time.Time) (Data, error) {
	out := Data{}
	if merge {
		for k, v := range base {
			out[k] = v
		}
	}
	for k, v := range data {
		if k == "" {
			return nil, fmt.Errorf("docstore: empty field name")
		}
		switch sentinelOf(v) {
		case sentinelDelete:
			delete(out, k)
			continue
		case sentinelServerTimestamp:
			v = ts
		}
		c, err := canonical(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

// writeLocked stores (or deletes, when data is nil) a document and notifies watchers.
func (m *Memory) writeLocked(path string, data Data, ts time.Time) error {
	old, existed := m.docs[path]
	if data == nil {
		if !existed {
			return nil
		}
		if m.persist != nil {
			if err := m.persist.Remove(path); err != nil {
				return fmt.Errorf("persist delete %s: %w", path, err)
			}
		}
		delete(m.docs, path)
		m.notifyLocked(path, old)
		return nil
	}

	rec := &record{data: data, createTime: ts, updateTime: ts}
	if existed {
		rec.createTime = old.createTime
	}
	if m.persist != nil {
		err := m.persist.Put(StoredDoc{Path: path, Data: data, CreateTime: rec.createTime, UpdateTime: rec.updateTime})
		if err != nil {
			return fmt.Errorf("persist %s: %w", path, err)
		}
	}
	m.docs[path] = rec
	if existed {
		m.notifyLocked(path, old)
	} else {
		m.notifyLocked(path, nil)
	}
	return nil
}

func (m *Memory) notifyLocked(path string, old *record) {
	snap := m.snapshotLocked(path)
	for w := range m.docW[path] {
		s := cloneSnapshot(snap)
		fn := w.fn
		w.d.Enqueue(func() { fn(s) })
	}

	collection, _ := Split(path)
	for w := range m.queryW[collection] {
		before := old != nil && matches(old.data, w.q.Where)
		after := snap.Exists && matches(snap.Data, w.q.Where)
		var ch Change
		switch {
		case !before && after:
			ch = Change{Type: ChangeAdded, Doc: cloneSnapshot(snap)}
		case before && after:
			ch = Change{Type: ChangeModified, Doc: cloneSnapshot(snap)}
		case before && !after:
			removed := cloneSnapshot(snap)
			if !removed.Exists {
				removed.Data = cloneData(old.data)
				removed.CreateTime = old.createTime
				removed.UpdateTime = old.updateTime
			}
			ch = Change{Type: ChangeRemoved, Doc: removed}
		default:
			continue
		}
		qs := &QuerySnapshot{Docs: m.queryLocked(collection, w.q), Changes: []Change{ch}}
		fn := w.fn
		w.d.Enqueue(func() { fn(qs) })
	}
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	c := *s
	c.Data = cloneData(s.Data)
	return &c
}

func (m *Memory) Set(_ context.Context, path string, data Data, opts ...SetOption) error {
	p, err := DocPath(path)
	if err != nil {
		return err
	}
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var base Data
	if r, ok := m.docs[p]; ok {
		base = r.data
	}
	ts := m.tick()
	next, err := m.resolve(base, data, o.merge, ts)
	if err != nil {
		return err
	}
	return m.writeLocked(p, next, ts)
}

func (m *Memory) Create(_ context.Context, path string, data Data) error {
	p, err := DocPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.docs[p]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p)
	}
	ts := m.tick()
	next, err := m.resolve(nil, data, false, ts)
	if err != nil {
		return err
	}
	return m.writeLocked(p, next, ts)
}

func (m *Memory) Update(_ context.Context, path string, data Data) error {
	p, err := DocPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r, ok := m.docs[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	ts := m.tick()
	next, err := m.resolve(r.data, data, true, ts)
	if err != nil {
		return err
	}
	return m.writeLocked(p, next, ts)
}

func (m *Memory) CompareAndSet(_ context.Context, path, field string, expected any, data Data) (bool, error) {
	p, err := DocPath(path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	var base Data
	var current any
	if r, ok := m.docs[p]; ok {
		base = r.data
		current = r.data[field]
	}
	if !valuesEqual(current, expected) {
		return false, nil
	}
	ts := m.tick()
	next, err := m.resolve(base, data, true, ts)
	if err != nil {
		return false, err
	}
	if err := m.writeLocked(p, next, ts); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	p, err := DocPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.writeLocked(p, nil, time.Time{})
}

func (m *Memory) Add(_ context.Context, collection string, data Data) (string, error) {
	c, err := CollectionPath(collection)
	if err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	ts := m.tick()
	next, err := m.resolve(nil, data, false, ts)
	if err != nil {
		return "", err
	}
	if err := m.writeLocked(c+"/"+id, next, ts); err != nil {
		return "", err
	}
	return id, nil
}

// queryLocked scans the direct children of collection.
func (m *Memory) queryLocked(collection string, q Query) []*Snapshot {
	prefix := collection + "/"
	var out []*Snapshot
	for p, r := range m.docs {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		if !matches(r.data, q.Where) {
			continue
		}
		out = append(out, m.snapshotLocked(p))
	}
	sortSnapshots(out, q)
	return applyLimit(out, q.Limit)
}

func (m *Memory) Query(_ context.Context, collection string, q Query) ([]*Snapshot, error) {
	c, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.queryLocked(c, q), nil
}

func (m *Memory) Watch(_ context.Context, path string, fn func(*Snapshot)) (Subscription, error) {
	p, err := DocPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w := &docWatcher{path: p, fn: fn, d: NewDispatcher()}
	if m.docW[p] == nil {
		m.docW[p] = make(map[*docWatcher]struct{})
	}
	m.docW[p][w] = struct{}{}

	first := m.snapshotLocked(p)
	w.d.Enqueue(func() { fn(first) })

	return &subscription{d: w.d, detach: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ws := m.docW[p]; ws != nil {
			delete(ws, w)
			if len(ws) == 0 {
				delete(m.docW, p)
			}
		}
	}}, nil
}

func (m *Memory) WatchQuery(_ context.Context, collection string, q Query, fn func(*QuerySnapshot)) (Subscription, error) {
	c, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w := &queryWatcher{collection: c, q: q, fn: fn, d: NewDispatcher()}
	if m.queryW[c] == nil {
		m.queryW[c] = make(map[*queryWatcher]struct{})
	}
	m.queryW[c][w] = struct{}{}

	docs := m.queryLocked(c, Query{Where: q.Where, OrderBy: q.OrderBy, Desc: q.Desc})
	first := &QuerySnapshot{Docs: applyLimit(docs, q.Limit)}
	for _, d := range docs {
		first.Changes = append(first.Changes, Change{Type: ChangeAdded, Doc: cloneSnapshot(d)})
	}
	w.d.Enqueue(func() { fn(first) })

	return &subscription{d: w.d, detach: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ws := m.queryW[c]; ws != nil {
			delete(ws, w)
			if len(ws) == 0 {
				delete(m.queryW, c)
			}
		}
	}}, nil
}

var _ Store = (*Memory)(nil)
