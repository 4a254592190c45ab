package murmur

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

func TestSignInWithPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the access token", func(t *testing.T) {
		s, client := newRestStub(t)
		client.SetAccessToken("")
		s.reply("POST", "/auth/v1/token", 200,
			`{"access_token":"fresh","refresh_token":"r1","token_type":"bearer","expires_in":3600,"expires_at":1900000000,"user":{"id":"u1","email":"a@example.com"}}`)

		token, err := client.SignInWithPassword(ctx, "a@example.com", "hunter2")
		if err != nil {
			t.Fatalf("SignInWithPassword: %v", err)
		}
		if client.AccessToken() != "fresh" || token.User.ID != "u1" {
			t.Errorf("token = %+v, client token %q", token, client.AccessToken())
		}
		if !token.Expiry().Equal(time.Unix(1900000000, 0)) {
			t.Errorf("expiry = %v", token.Expiry())
		}

		r := s.last(t)
		if r.Query["grant_type"] != "password" || r.Header.Get("apikey") != "anon-key" {
			t.Errorf("request = %v %v", r.Query, r.Header)
		}
		if _, err := uuid.Parse(r.Header.Get("X-Client-Request-Id")); err != nil {
			t.Errorf("auth request without request id: %q", r.Header.Get("X-Client-Request-Id"))
		}
		var body map[string]string
		json.Unmarshal(r.Body, &body)
		if body["email"] != "a@example.com" || body["password"] != "hunter2" {
			t.Errorf("body = %s", r.Body)
		}
	})

	t.Run("invalid credentials", func(t *testing.T) {
		s, client := newRestStub(t)
		s.reply("POST", "/auth/v1/token", 400, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)

		_, err := client.SignInWithPassword(ctx, "a@example.com", "wrong")
		if !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("err = %v, want ErrUnauthenticated", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "Invalid login credentials" {
			t.Errorf("api error = %+v", apiErr)
		}
		if client.AccessToken() != "user-token" {
			t.Error("failed sign in replaced the token")
		}
	})
}

func TestEstablishSession(t *testing.T) {
	ctx := context.Background()

	t.Run("with profile", func(t *testing.T) {
		s, client := newRestStub(t)
		s.reply("GET", "/auth/v1/user", 200, `{"id":"u1","email":"a@example.com"}`)
		s.reply("GET", "/rest/v1/profile", 200, `[{"id":7,"auth_id":"u1","username":"alice"}]`)

		sess, err := EstablishSession(ctx, client)
		if err != nil {
			t.Fatalf("EstablishSession: %v", err)
		}
		if sess.UserID != "u1" || sess.Username != "alice" || !sess.HasProfile() || sess.AccessToken != "user-token" {
			t.Errorf("session = %+v", sess)
		}
		if got := s.find(t, "GET", "/auth/v1/user").Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q", got)
		}
	})

	t.Run("without profile", func(t *testing.T) {
		s, client := newRestStub(t)
		s.reply("GET", "/auth/v1/user", 200, `{"id":"u1"}`)
		s.reply("GET", "/rest/v1/profile", 200, `[]`)

		sess, err := client.EstablishSession(ctx)
		if err != nil {
			t.Fatalf("EstablishSession: %v", err)
		}
		if sess.UserID != "u1" || sess.HasProfile() {
			t.Errorf("session = %+v", sess)
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		s, client := newRestStub(t)
		s.reply("GET", "/auth/v1/user", 401, `{"code":401,"msg":"invalid JWT"}`)
		if _, err := client.EstablishSession(ctx); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("no token", func(t *testing.T) {
		s, client := newRestStub(t)
		client.SetAccessToken("")
		if _, err := client.EstablishSession(ctx); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
		if n := s.count("GET", "/auth/v1/user"); n != 0 {
			t.Errorf("sent %d user requests without a token", n)
		}
	})
}
