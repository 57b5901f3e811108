package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	m, err := NewMemory(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// recorder collects callback deliveries for assertions from the test goroutine.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func TestMemory_SetGetMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	snap, err := m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Equal(t, "r1", snap.ID)

	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"name": "one", "count": 1}))
	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"lockChat": true}, Merge()))

	snap, err = m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "one", snap.Data["name"])
	assert.Equal(t, float64(1), snap.Data["count"])
	assert.Equal(t, true, snap.Data["lockChat"])

	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"name": "replaced"}))
	snap, err = m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.Equal(t, Data{"name": "replaced"}, snap.Data)
	assert.True(t, snap.UpdateTime.After(snap.CreateTime))
}

func TestMemory_InvalidPaths(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	_, err := m.Get(ctx, "rooms")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = m.Add(ctx, "rooms/r1", Data{})
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.ErrorIs(t, m.Set(ctx, "rooms//x", Data{}), ErrInvalidPath)
}

func TestMemory_UpdateCreateDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	err := m.Update(ctx, "rooms/r1", Data{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Create(ctx, "rooms/r1", Data{"name": "x", "canChat": false}))
	assert.ErrorIs(t, m.Create(ctx, "rooms/r1", Data{"name": "y"}), ErrAlreadyExists)

	require.NoError(t, m.Update(ctx, "rooms/r1", Data{"canChat": DeleteField(), "lockCalls": true}))
	snap, err := m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	_, has := snap.Data["canChat"]
	assert.False(t, has)
	assert.Equal(t, "x", snap.Data["name"])
	assert.Equal(t, true, snap.Data["lockCalls"])

	require.NoError(t, m.Delete(ctx, "rooms/r1"))
	require.NoError(t, m.Delete(ctx, "rooms/r1"), "deleting a missing document is not an error")
	snap, err = m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemory_ServerTimestampMonotonic(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := newTestMemory(t, WithClock(func() time.Time { return fixed }))

	var last time.Time
	for i := 0; i < 5; i++ {
		id, err := m.Add(ctx, "rooms/r1/messages", Data{"createdAt": ServerTimestamp()})
		require.NoError(t, err)
		snap, err := m.Get(ctx, "rooms/r1/messages/"+id)
		require.NoError(t, err)

		var msg struct {
			CreatedAt time.Time `json:"createdAt"`
		}
		require.NoError(t, snap.DataTo(&msg))
		assert.True(t, msg.CreatedAt.After(last), "timestamp %d must increase", i)
		last = msg.CreatedAt
	}
}

func TestMemory_QueryOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.Set(ctx, "rooms/a", Data{"joinCode": "AAA", "rank": 3}))
	require.NoError(t, m.Set(ctx, "rooms/b", Data{"joinCode": "BBB", "rank": 1}))
	require.NoError(t, m.Set(ctx, "rooms/c", Data{"joinCode": "AAA", "rank": 2}))
	require.NoError(t, m.Set(ctx, "rooms/c/members/u1", Data{"joinCode": "AAA"}))

	docs, err := m.Query(ctx, "rooms", Query{Where: []Filter{{Field: "joinCode", Value: "AAA"}}, OrderBy: "rank"})
	require.NoError(t, err)
	require.Len(t, docs, 2, "subcollection documents are not children of rooms")
	assert.Equal(t, "c", docs[0].ID)
	assert.Equal(t, "a", docs[1].ID)

	docs, err = m.Query(ctx, "rooms", Query{OrderBy: "rank", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "c", docs[1].ID)
}

func TestMemory_QueryOrdersByServerTimestamp(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		id, err := m.Add(ctx, "rooms/r/messages", Data{"text": text, "createdAt": ServerTimestamp()})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	docs, err := m.Query(ctx, "rooms/r/messages", Query{OrderBy: "createdAt"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		assert.Equal(t, ids[i], d.ID)
	}
}

func TestMemory_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	path := "rooms/r/voice/current"

	ok, err := m.CompareAndSet(ctx, path, "activeCallId", nil, Data{"activeCallId": "c1"})
	require.NoError(t, err)
	assert.True(t, ok, "missing document compares equal to nil")

	ok, err = m.CompareAndSet(ctx, path, "activeCallId", nil, Data{"activeCallId": "c2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.CompareAndSet(ctx, path, "activeCallId", "c1", Data{"activeCallId": nil})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.CompareAndSet(ctx, path, "activeCallId", nil, Data{"activeCallId": "c3"})
	require.NoError(t, err)
	assert.True(t, ok, "explicit null compares equal to nil")

	snap, err := m.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "c3", snap.Data["activeCallId"])
}

func TestMemory_WatchDocument(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var rec recorder[*Snapshot]
	sub, err := m.Watch(ctx, "rooms/r1", rec.add)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"v": 1}))
	require.NoError(t, m.Update(ctx, "rooms/r1", Data{"v": 2}))
	require.NoError(t, m.Set(ctx, "rooms/other", Data{"v": 9}))
	require.NoError(t, m.Delete(ctx, "rooms/r1"))

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	got := rec.all()
	assert.False(t, got[0].Exists, "initial snapshot of a missing document")
	assert.Equal(t, float64(1), got[1].Data["v"])
	assert.Equal(t, float64(2), got[2].Data["v"])
	assert.False(t, got[3].Exists)

	sub.Stop()
	sub.Stop()
	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"v": 3}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, rec.len(), "no delivery after Stop")
}

func TestMemory_WatchQueryChanges(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	coll := "rooms/r/calls/c/offerCandidates"

	_, err := m.Add(ctx, coll, Data{"candidate": "a"})
	require.NoError(t, err)

	var rec recorder[*QuerySnapshot]
	sub, err := m.WatchQuery(ctx, coll, Query{}, rec.add)
	require.NoError(t, err)
	defer sub.Stop()

	id, err := m.Add(ctx, coll, Data{"candidate": "b"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, coll+"/"+id, Data{"candidate": "b2"}))
	require.NoError(t, m.Delete(ctx, coll+"/"+id))

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	got := rec.all()

	require.Len(t, got[0].Changes, 1)
	assert.Equal(t, ChangeAdded, got[0].Changes[0].Type)
	assert.Equal(t, "a", got[0].Changes[0].Doc.Data["candidate"])

	assert.Equal(t, ChangeAdded, got[1].Changes[0].Type)
	assert.Len(t, got[1].Docs, 2)
	assert.Equal(t, ChangeModified, got[2].Changes[0].Type)
	assert.Equal(t, ChangeRemoved, got[3].Changes[0].Type)
	assert.Equal(t, "b2", got[3].Changes[0].Doc.Data["candidate"])
	assert.Len(t, got[3].Docs, 1)
}

func TestMemory_WatchQueryFilter(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var rec recorder[*QuerySnapshot]
	sub, err := m.WatchQuery(ctx, "rooms", Query{Where: []Filter{{Field: "joinCode", Value: "ABC234"}}}, rec.add)
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, m.Set(ctx, "rooms/x", Data{"joinCode": "ZZZ999"}))
	require.NoError(t, m.Set(ctx, "rooms/y", Data{"joinCode": "ABC234"}))
	require.NoError(t, m.Update(ctx, "rooms/y", Data{"joinCode": "QQQ222"}))

	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	got := rec.all()
	assert.Empty(t, got[0].Changes)
	assert.Equal(t, ChangeAdded, got[1].Changes[0].Type)
	assert.Equal(t, ChangeRemoved, got[2].Changes[0].Type, "leaving the filter reports a removal")
}

func TestMemory_Closed(t *testing.T) {
	m, err := NewMemory()
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Get(context.Background(), "rooms/r")
	assert.ErrorIs(t, err, ErrClosed)
}
