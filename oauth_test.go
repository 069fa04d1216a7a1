package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/oauthd/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "8080",
		DBAdapter:            "memory",
		AccessTokenLifetime:  3600,
		RefreshTokenLifetime: 86400,
		RotateRefreshTokens:  true,
		StorageTimeout:       5,
		RateLimitPerMinute:   10000,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	return NewApp(NewMemoryDB(), testConfig())
}

func seedTestUser(t *testing.T, a *App, username, password string) *User {
	t.Helper()
	hash, err := hashSecret(password)
	require.NoError(t, err)
	u, err := a.DB.CreateUser(context.Background(), &User{
		Username: username,
		Email:    username + "@example.com",
		Password: hash,
		Name:     "Test User",
		IsActive: true,
	})
	require.NoError(t, err)
	return u
}

func seedTestClient(t *testing.T, a *App, clientID, secret string, public bool, grants ...string) *Client {
	t.Helper()
	hash, err := hashSecret(secret)
	require.NoError(t, err)
	if len(grants) == 0 {
		grants = []string{"password", "refresh_token"}
	}
	c, err := a.DB.CreateClient(context.Background(), &Client{
		ClientID:     clientID,
		Secret:       hash,
		Name:         "Test Client",
		RedirectURIs: []string{"https://example.com/callback"},
		Grants:       grants,
		Public:       public,
	})
	require.NoError(t, err)
	return c
}

func postForm(a *App, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func passwordGrantForm(username, password, clientID, secret string) url.Values {
	return url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"client_id":  {clientID},
		"client_secret": {secret},
	}
}

func TestPasswordGrant(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret")
	form.Set("scope", "read write")
	w := postForm(a, "/oauth/token", form)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["refresh_token"])
	require.Equal(t, "Bearer", body["token_type"])
	require.Equal(t, float64(3600), body["expires_in"])
	require.Equal(t, "read write", body["scope"])
}

func TestPasswordGrantByEmail(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	w := postForm(a, "/oauth/token",
		passwordGrantForm("alice@example.com", "Str0ngPassword!", "web-app", "client-secret"))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPasswordGrantWrongPassword(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	w := postForm(a, "/oauth/token",
		passwordGrantForm("alice", "wrong", "web-app", "client-secret"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_grant", body["error"])
	require.Contains(t, body["error_description"], "user credentials are invalid")
}

func TestPasswordGrantUnknownUser(t *testing.T) {
	a := newTestApp(t)
	seedTestClient(t, a, "web-app", "client-secret", false)

	// an unknown identifier fails exactly like a bad password
	w := postForm(a, "/oauth/token",
		passwordGrantForm("nobody", "whatever", "web-app", "client-secret"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_grant", body["error"])
	require.Equal(t, "Invalid grant: user credentials are invalid", body["error_description"])
}

func TestPasswordGrantInactiveUser(t *testing.T) {
	a := newTestApp(t)
	hash, err := hashSecret("Str0ngPassword!")
	require.NoError(t, err)
	_, err = a.DB.CreateUser(context.Background(), &User{
		Username: "ghost", Password: hash, IsActive: false,
	})
	require.NoError(t, err)
	seedTestClient(t, a, "web-app", "client-secret", false)

	w := postForm(a, "/oauth/token",
		passwordGrantForm("ghost", "Str0ngPassword!", "web-app", "client-secret"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_grant", decodeBody(t, w)["error"])
}

func TestPasswordGrantWrongClientSecret(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	w := postForm(a, "/oauth/token",
		passwordGrantForm("alice", "Str0ngPassword!", "web-app", "wrong-secret"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_client", body["error"])
	require.Equal(t, "Invalid client: client is invalid", body["error_description"])
}

func TestPasswordGrantUnknownClient(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")

	w := postForm(a, "/oauth/token",
		passwordGrantForm("alice", "Str0ngPassword!", "nope", "secret"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_client", decodeBody(t, w)["error"])
}

func TestPublicClientMayOmitSecret(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "mobile-app", "unused-secret", true)
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"Str0ngPassword!"},
		"client_id":  {"mobile-app"},
	}
	w := postForm(a, "/oauth/token", form)
	require.Equal(t, http.StatusOK, w.Code)

	// confidential clients cannot skip secret verification by omitting it
	form.Set("client_id", "web-app")
	w = postForm(a, "/oauth/token", form)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_client", decodeBody(t, w)["error"])
}

func TestGrantTypeNotAllowedForClient(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "refresh-only", "client-secret", false, "refresh_token")

	w := postForm(a, "/oauth/token",
		passwordGrantForm("alice", "Str0ngPassword!", "refresh-only", "client-secret"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_client", body["error"])
	require.Contains(t, body["error_description"], "grant type is not allowed")
}

func TestTokenRequestValidation(t *testing.T) {
	a := newTestApp(t)

	cases := []struct {
		name string
		form url.Values
		desc string
	}{
		{
			name: "missing grant_type",
			form: url.Values{"client_id": {"web-app"}},
			desc: "grant_type is required.",
		},
		{
			name: "unsupported grant_type",
			form: url.Values{"grant_type": {"authorization_code"}, "client_id": {"web-app"}},
			desc: "Invalid grant_type.",
		},
		{
			name: "missing username",
			form: url.Values{"grant_type": {"password"}, "password": {"x"}, "client_id": {"web-app"}},
			desc: "username is required for password grant.",
		},
		{
			name: "missing password",
			form: url.Values{"grant_type": {"password"}, "username": {"alice"}, "client_id": {"web-app"}},
			desc: "password is required for password grant.",
		},
		{
			name: "missing refresh_token",
			form: url.Values{"grant_type": {"refresh_token"}, "client_id": {"web-app"}},
			desc: "refresh_token is required for refresh_token grant.",
		},
		{
			name: "missing client_id",
			form: url.Values{"grant_type": {"password"}, "username": {"alice"}, "password": {"x"}},
			desc: "client_id is required.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postForm(a, "/oauth/token", tc.form)
			require.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeBody(t, w)
			require.Equal(t, "invalid_request", body["error"])
			require.Equal(t, tc.desc, body["error_description"])
		})
	}
}

func grantTokens(t *testing.T, a *App, form url.Values) (access, refresh string) {
	t.Helper()
	w := postForm(a, "/oauth/token", form)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	return body["access_token"].(string), body["refresh_token"].(string)
}

func TestRefreshGrantRotation(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	_, refresh := grantTokens(t, a,
		passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret"))

	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
	}
	w := postForm(a, "/oauth/token", refreshForm)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	newRefresh := body["refresh_token"].(string)
	require.NotEqual(t, refresh, newRefresh, "rotation must issue a new refresh token")

	// the rotated-away refresh token never silently succeeds again
	w = postForm(a, "/oauth/token", refreshForm)
	require.Equal(t, http.StatusBadRequest, w.Code)
	reuse := decodeBody(t, w)
	require.Equal(t, "invalid_grant", reuse["error"])
	require.Contains(t, reuse["error_description"], "refresh token is invalid")
}

func TestRefreshGrantWithoutRotationKeepsToken(t *testing.T) {
	a := newTestApp(t)
	a.cfg.RotateRefreshTokens = false
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	_, refresh := grantTokens(t, a,
		passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret"))

	w := postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, refresh, decodeBody(t, w)["refresh_token"])
}

func TestRefreshGrantExpiredToken(t *testing.T) {
	a := newTestApp(t)
	u := seedTestUser(t, a, "alice", "Str0ngPassword!")
	c := seedTestClient(t, a, "web-app", "client-secret", false)

	access, err := genToken(32)
	require.NoError(t, err)
	refresh, err := genToken(32)
	require.NoError(t, err)
	_, err = a.DB.SaveToken(context.Background(), &Token{
		AccessToken:           access,
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: time.Now().Add(-time.Second),
	}, c, u)
	require.NoError(t, err)

	w := postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_grant", body["error"])
	require.Contains(t, body["error_description"], "refresh token is invalid")
}

func TestRefreshGrantAfterAccessExpiry(t *testing.T) {
	a := newTestApp(t)
	u := seedTestUser(t, a, "alice", "Str0ngPassword!")
	c := seedTestClient(t, a, "web-app", "client-secret", false)

	access, err := genToken(32)
	require.NoError(t, err)
	refresh, err := genToken(32)
	require.NoError(t, err)
	_, err = a.DB.SaveToken(context.Background(), &Token{
		AccessToken:           access,
		AccessTokenExpiresAt:  time.Now().Add(-time.Minute),
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour),
	}, c, u)
	require.NoError(t, err)

	// touching a protected resource with the stale access token first
	req := httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// must not consume the still-valid refresh token
	w = postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.NotEmpty(t, body["access_token"])
	require.NotEqual(t, access, body["access_token"])
}

func TestRefreshGrantForeignClient(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)
	seedTestClient(t, a, "other-app", "other-secret", false)

	_, refresh := grantTokens(t, a,
		passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret"))

	// a refresh token is bound to the client it was issued to
	w := postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"other-app"},
		"client_secret": {"other-secret"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_grant", decodeBody(t, w)["error"])
}

func TestRefreshGrantScopeNarrowing(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret")
	form.Set("scope", "read write")
	_, refresh := grantTokens(t, a, form)

	w := postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
		"scope":         {"read"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "read", decodeBody(t, w)["scope"])
}

func TestSecondIssuanceInvalidatesFirst(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret")
	firstAccess, _ := grantTokens(t, a, form)
	secondAccess, _ := grantTokens(t, a, form)

	req := httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer "+firstAccess)
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_token", decodeBody(t, w)["error"])

	req = httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer "+secondAccess)
	w = httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestResourceGuard(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret")
	form.Set("scope", "read write")
	access, _ := grantTokens(t, a, form)

	req := httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	user := body["user"].(map[string]interface{})
	client := body["client"].(map[string]interface{})
	require.Equal(t, "alice", user["username"])
	require.Equal(t, "web-app", client["client_id"])
	require.Equal(t, []interface{}{"read", "write"}, body["scope"])
}

func TestResourceGuardNoToken(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest("GET", "/oauth/me", nil)
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, w.Body.String())
}

func TestResourceGuardExpiredToken(t *testing.T) {
	a := newTestApp(t)
	u := seedTestUser(t, a, "alice", "Str0ngPassword!")
	c := seedTestClient(t, a, "web-app", "client-secret", false)

	access, err := genToken(32)
	require.NoError(t, err)
	_, err = a.DB.SaveToken(context.Background(), &Token{
		AccessToken:          access,
		AccessTokenExpiresAt: time.Now().Add(-2 * time.Hour),
	}, c, u)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "invalid_token", body["error"])
	require.Equal(t, "Invalid token: access token is invalid", body["error_description"])
}

func TestResourceGuardGarbageToken(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest("GET", "/oauth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_token", decodeBody(t, w)["error"])
}

func TestIntrospect(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	form := passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret")
	form.Set("scope", "read")
	access, refresh := grantTokens(t, a, form)

	w := postForm(a, "/oauth/introspect", url.Values{"token": {access}})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, true, body["active"])
	require.Equal(t, "web-app", body["client_id"])
	require.Equal(t, "read", body["scope"])

	w = postForm(a, "/oauth/introspect", url.Values{"token": {refresh}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["active"])

	w = postForm(a, "/oauth/introspect", url.Values{"token": {"unknown"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decodeBody(t, w)["active"])
}

func TestRevoke(t *testing.T) {
	a := newTestApp(t)
	seedTestUser(t, a, "alice", "Str0ngPassword!")
	seedTestClient(t, a, "web-app", "client-secret", false)

	_, refresh := grantTokens(t, a,
		passwordGrantForm("alice", "Str0ngPassword!", "web-app", "client-secret"))

	w := postForm(a, "/oauth/revoke", url.Values{"token": {refresh}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["revoked"])

	w = postForm(a, "/oauth/revoke", url.Values{"token": {refresh}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, decodeBody(t, w)["revoked"])

	// the revoked refresh token can no longer be exchanged
	w = postForm(a, "/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"web-app"},
		"client_secret": {"client-secret"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_grant", decodeBody(t, w)["error"])
}
