package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coachdesk/generic"
)

// TokenPath is the backend's code-exchange endpoint.
const TokenPath = "/auth/v1/token"

// TokenRequest is the body of a code exchange.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Code      string `json:"code"`
}

// TokenResponse is the backend's answer to a code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	UserID      string `json:"user_id"`
}

// Exchanger redeems authorization codes for sessions.
type Exchanger struct {
	BaseURL string
	Client  *http.Client
	Log     logrus.FieldLogger

	now func() time.Time
}

func NewExchanger(baseURL string, log logrus.FieldLogger) *Exchanger {
	return &Exchanger{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Log:     log,
		now:     time.Now,
	}
}

// ExchangeCode redeems code. A refused code yields ErrUnauthenticated; an
// unreachable backend yields ErrRemoteUnavailable.
func (e *Exchanger) ExchangeCode(ctx context.Context, code string) (Session, error) {
	body, err := json.Marshal(TokenRequest{GrantType: "authorization_code", Code: code})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+TokenPath, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("token exchange: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Session{}, &generic.RemoteError{Op: "token", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, &generic.RemoteError{Op: "token", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return Session{}, fmt.Errorf("token exchange: %s: %w", strings.TrimSpace(string(data)), generic.ErrUnauthenticated)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Session{}, &generic.RemoteError{Op: "token", Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var tr TokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Session{}, fmt.Errorf("token exchange: decode response: %w", err)
	}
	if tr.AccessToken == "" || tr.UserID == "" {
		return Session{}, fmt.Errorf("token exchange: empty session: %w", generic.ErrUnauthenticated)
	}

	s := Session{UserID: tr.UserID, AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		s.ExpiresAt = e.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if e.Log != nil {
		e.Log.WithField("user_id", s.UserID).Info("signed in")
	}
	return s, nil
}
