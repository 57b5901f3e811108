// Package docstore is the shared, real-time document store the rest of the
// system coordinates through: hierarchical collections of JSON documents with
// server-assigned timestamps and live subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	ErrInvalidPath   = errors.New("docstore: invalid path")
	ErrClosed        = errors.New("docstore: store closed")
)

// Data is a document body. Values are JSON-compatible; writes are stored in
// their JSON-decoded form, so numbers come back as float64 and timestamps as
// RFC 3339 strings.
type Data map[string]any

// Snapshot is a point-in-time copy of one document.
type Snapshot struct {
	Path       string    `json:"path"`
	ID         string    `json:"id"`
	Exists     bool      `json:"exists"`
	Data       Data      `json:"data,omitempty"`
	CreateTime time.Time `json:"createTime,omitzero"`
	UpdateTime time.Time `json:"updateTime,omitzero"`
}

// DataTo decodes the document body into v.
func (s *Snapshot) DataTo(v any) error {
	if s == nil || !s.Exists {
		return ErrNotFound
	}
	b, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Decode is DataTo for a fresh value of type T.
func Decode[T any](s *Snapshot) (*T, error) {
	var v T
	if err := s.DataTo(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change describes what happened to a single document of a watched query.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  *Snapshot  `json:"doc"`
}

// QuerySnapshot is delivered to query watchers. Docs is the full, ordered
// result; Changes only the documents that changed since the last delivery.
// The first delivery reports every document as added.
type QuerySnapshot struct {
	Docs    []*Snapshot `json:"docs"`
	Changes []Change    `json:"changes"`
}

// Filter is an equality match on a top-level field.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query selects documents of one collection. Limit applies to Docs only.
type Query struct {
	Where   []Filter `json:"where,omitempty"`
	OrderBy string   `json:"orderBy,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

type setOptions struct {
	merge bool
}

type SetOption func(*setOptions)

// Merge makes Set keep fields of the existing document that data does not mention.
func Merge() SetOption {
	return func(o *setOptions) { o.merge = true }
}

// IsMerge reports whether opts request a merge.
func IsMerge(opts ...SetOption) bool {
	var o setOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o.merge
}

// Subscription is a live watch. Stop is idempotent; no callback starts after it returns.
type Subscription interface {
	Stop()
}

// Store is the document store contract. Document paths have an even number
// of segments ("rooms/r1"), collection paths an odd one ("rooms/r1/members").
// Watch callbacks run serially per subscription, in write order.
type Store interface {
	Get(ctx context.Context, path string) (*Snapshot, error)
	Set(ctx context.Context, path string, data Data, opts ...SetOption) error
	// Create writes the document only if it does not exist yet.
	Create(ctx context.Context, path string, data Data) error
	// Update merges data into an existing document.
	Update(ctx context.Context, path string, data Data) error
	// CompareAndSet merges data into the document only if field currently
	// equals expected. A missing document or field compares equal to nil.
	CompareAndSet(ctx context.Context, path, field string, expected any, data Data) (bool, error)
	Delete(ctx context.Context, path string) error
	// Add creates a document with a generated id in collection.
	Add(ctx context.Context, collection string, data Data) (string, error)
	Query(ctx context.Context, collection string, q Query) ([]*Snapshot, error)
	Watch(ctx context.Context, path string, fn func(*Snapshot)) (Subscription, error)
	WatchQuery(ctx context.Context, collection string, q Query, fn func(*QuerySnapshot)) (Subscription, error)
}

const sentinelKey = "$sentinel"

const (
	sentinelServerTimestamp = "serverTimestamp"
	sentinelDelete          = "delete"
)

// ServerTimestamp is replaced by the store's clock when written. Timestamps
// handed out by one store are strictly increasing.
func ServerTimestamp() any {
	return map[string]any{sentinelKey: sentinelServerTimestamp}
}

// DeleteField removes the field when used in Set with Merge, Update or CompareAndSet.
func DeleteField() any {
	return map[string]any{sentinelKey: sentinelDelete}
}

func sentinelOf(v any) string {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return ""
	}
	s, _ := m[sentinelKey].(string)
	return s
}
