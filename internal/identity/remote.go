package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionPath is the server route that signs users in and out.
const SessionPath = "/api/auth/session"

// SessionRequest is the sign-in body.
type SessionRequest struct {
	UserID      domain.UserID `json:"userId,omitempty"`
	DisplayName string        `json:"displayName"`
}

// SessionResponse carries the signed-in user and a store token.
type SessionResponse struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

// Remote signs in against a huddle server. The cookie jar keeps the server
// session so Restore works for the lifetime of the process.
type Remote struct {
	users   *Static
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	token string
}

func NewRemote(baseURL string) (*Remote, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Remote{
		users:   NewStatic(nil),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Jar: jar},
	}, nil
}

func (r *Remote) Current() *domain.User { return r.users.Current() }

func (r *Remote) Watch(fn func(*domain.User)) func() { return r.users.Watch(fn) }

// Token is the bearer token for the store connection, empty when signed out.
func (r *Remote) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// SignIn creates a server session. A known userID keeps the identity stable
// across processes; empty lets the server assign one.
func (r *Remote) SignIn(ctx context.Context, userID domain.UserID, displayName string) (*domain.User, error) {
	body, err := json.Marshal(SessionRequest{UserID: userID, DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	return r.session(ctx, http.MethodPost, bytes.NewReader(body))
}

// Restore reloads the session held by the cookie jar.
func (r *Remote) Restore(ctx context.Context) (*domain.User, error) {
	return r.session(ctx, http.MethodGet, nil)
}

func (r *Remote) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+SessionPath, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	resp.Body.Close()

	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
	r.users.SignOut()
	log.Info().Str("module", "identity").Msg("signed out")
	return nil
}

func (r *Remote) session(ctx context.Context, method string, body *bytes.Reader) (*domain.User, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, r.baseURL+SessionPath, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, r.baseURL+SessionPath, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth session: unexpected status %d", resp.StatusCode)
	}

	var out SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	u, err := domain.NewUser(out.User.ID, out.User.DisplayName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.token = out.Token
	r.mu.Unlock()
	r.users.SignIn(u)
	log.Info().Str("module", "identity").Str("user", string(u.ID)).Msg("signed in")
	return u, nil
}

var _ Provider = (*Remote)(nil)
