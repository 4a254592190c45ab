package murmur

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AuthToken is the password grant response of the auth service.
type AuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	User         *AuthUser `json:"user"`
}

// Expiry returns when the access token stops being valid.
func (t *AuthToken) Expiry() time.Time {
	if t.ExpiresAt > 0 {
		return time.Unix(t.ExpiresAt, 0)
	}
	return time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
}

// AuthUser is the user object returned by the auth service.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session identifies the signed-in user for the lifetime of a client process.
type Session struct {
	UserID      string
	ProfileID   int64
	Username    string
	AccessToken string
}

// HasProfile reports whether a profile row was found for the user.
func (s *Session) HasProfile() bool {
	return s.ProfileID != 0
}

// SignInWithPassword exchanges email and password for an access token and stores
// the token on the client.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthToken, error) {
	var token AuthToken
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body: map[string]string{
			"email":    email,
			"password": password,
		},
		auth: true,
	}, &token)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("sign in: %w", ErrUnauthenticated)
	}
	c.SetAccessToken(token.AccessToken)
	return &token, nil
}

// GetUser returns the user the current access token belongs to.
func (c *Client) GetUser(ctx context.Context) (*AuthUser, error) {
	if c.AccessToken() == "" {
		return nil, ErrUnauthenticated
	}
	var user AuthUser
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user", auth: true}, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &user, nil
}

// EstablishSession resolves the signed-in user and their profile.
// An auth failure is returned as ErrUnauthenticated; a missing profile is not an error.
func (c *Client) EstablishSession(ctx context.Context) (*Session, error) {
	user, err := c.GetUser(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, fmt.Errorf("establish session: %w", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("establish session: %w", err)
	}

	s := &Session{UserID: user.ID, AccessToken: c.AccessToken()}
	profile, err := c.FetchProfile(ctx, user.ID)
	if err != nil {
		c.log.Warn("profile unavailable", "user_id", user.ID, "error", err)
		return s, nil
	}
	s.ProfileID = profile.ID
	s.Username = profile.Username
	return s, nil
}

// EstablishSession is shorthand for client.EstablishSession.
func EstablishSession(ctx context.Context, client *Client) (*Session, error) {
	return client.EstablishSession(ctx)
}
