/*
Package auth holds the authenticated trainer's session.

PURPOSE:
  The backend's auth service issues a session for an authorization code.
  The session's user id scopes every mirror read and stamps every created
  row; its access token authenticates every remote call.

FLOW:
  Exchanger.ExchangeCode(code) -> Session -> Holder.Set
  Holder.UserID / Holder.AccessToken -> collection, remote.Client
  Absent or expired session -> generic.ErrUnauthenticated

PERSISTENCE:
  FileStore keeps the session between CLI runs in a JSON file with 0600
  permissions.

SEE ALSO:
  - remote/client.go: consumes Holder as its TokenSource
  - api/handlers.go: ExchangeToken, the reference backend's token endpoint
*/
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warp/coachdesk/generic"
)

// Session is an authenticated trainer.
type Session struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the session is usable at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.UserID == "" || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// =============================================================================
// HOLDER
// =============================================================================

// Holder keeps the current session. It is safe for concurrent use.
type Holder struct {
	mu      sync.RWMutex
	session *Session
	now     func() time.Time
}

func NewHolder() *Holder {
	return &Holder{now: time.Now}
}

// Set replaces the current session. A nil session signs out.
func (h *Holder) Set(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s == nil {
		h.session = nil
		return
	}
	cp := *s
	h.session = &cp
}

// Session returns the current valid session.
func (h *Holder) Session() (Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.session.Valid(h.now()) {
		return Session{}, generic.ErrUnauthenticated
	}
	return *h.session, nil
}

// UserID returns the authenticated trainer's id.
func (h *Holder) UserID(context.Context) (string, error) {
	s, err := h.Session()
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}

// AccessToken returns the bearer token for remote calls.
func (h *Holder) AccessToken(context.Context) (string, error) {
	s, err := h.Session()
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists a session in a file.
type FileStore struct {
	Path string
}

// Load reads the stored session. A missing file yields ErrUnauthenticated.
func (f FileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, generic.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", f.Path, err)
	}
	return &s, nil
}

// Save writes s, replacing any stored session.
func (f FileStore) Save(s Session) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// Clear removes the stored session.
func (f FileStore) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
