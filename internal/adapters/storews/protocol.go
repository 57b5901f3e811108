// Package storews carries the document store over a websocket: a server
// bound into the gin router and a client that implements docstore.Store.
package storews

import (
	"errors"

	"github.com/dkeye/huddle/internal/docstore"
)

// Request operations.
const (
	OpGet        = "get"
	OpSet        = "set"
	OpCreate     = "create"
	OpUpdate     = "update"
	OpCAS        = "cas"
	OpDelete     = "delete"
	OpAdd        = "add"
	OpQuery      = "query"
	OpWatch      = "watch"
	OpWatchQuery = "watchQuery"
	OpUnwatch    = "unwatch"
	OpPing       = "ping"
)

// Server frame types.
const (
	TypeResult = "result"
	TypeEvent  = "event"
)

// Error codes carried in result frames.
const (
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeInvalidPath   = "invalid_path"
	CodeClosed        = "closed"
	CodeBadRequest    = "bad_request"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal"
)

var (
	ErrDisconnected = errors.New("storews: connection lost")
	ErrRateLimited  = errors.New("storews: write rate exceeded")
	ErrUnauthorized = errors.New("storews: unauthorized")
)

// Request is a client frame. ID correlates the result; for watch operations
// it also names the subscription.
type Request struct {
	ID       uint64          `json:"id"`
	Op       string          `json:"op"`
	Path     string          `json:"path,omitempty"`
	Data     docstore.Data   `json:"data,omitempty"`
	Merge    bool            `json:"merge,omitempty"`
	Field    string          `json:"field,omitempty"`
	Expected any             `json:"expected,omitempty"`
	Query    *docstore.Query `json:"query,omitempty"`
	Sub      uint64          `json:"sub,omitempty"`
}

// Response is a server frame: either the result of a request or an event of
// a subscription.
type Response struct {
	Type    string                  `json:"type"`
	ID      uint64                  `json:"id,omitempty"`
	Code    string                  `json:"code,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Doc     *docstore.Snapshot      `json:"doc,omitempty"`
	Docs    []*docstore.Snapshot    `json:"docs,omitempty"`
	OK      bool                    `json:"ok,omitempty"`
	DocID   string                  `json:"docId,omitempty"`
	Sub     uint64                  `json:"sub,omitempty"`
	Results *docstore.QuerySnapshot `json:"results,omitempty"`
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, docstore.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, docstore.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, docstore.ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// remoteError rebuilds an error from a result frame, keeping the store
// sentinels matchable with errors.Is.
type remoteError struct {
	code string
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Is(target error) bool {
	switch e.code {
	case CodeNotFound:
		return target == docstore.ErrNotFound
	case CodeAlreadyExists:
		return target == docstore.ErrAlreadyExists
	case CodeInvalidPath:
		return target == docstore.ErrInvalidPath
	case CodeClosed:
		return target == docstore.ErrClosed
	case CodeRateLimited:
		return target == ErrRateLimited
	}
	return false
}

func (r *Response) err() error {
	if r.Code == "" {
		return nil
	}
	return &remoteError{code: r.Code, msg: r.Error}
}
