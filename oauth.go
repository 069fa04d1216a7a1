package main

import (
	"context"
	"fmt"
	"time"
)

// Supported grant types.
const (
	grantPassword = "password"
	grantRefresh  = "refresh_token"
)

// tokenRequest is the parsed form body of POST /oauth/token.
type tokenRequest struct {
	GrantType    string
	Username     string
	Password     string
	RefreshToken string
	ClientID     string
	ClientSecret string
	HasSecret    bool
	Scope        string
}

// tokenResponse is the success body of POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// dummyHash equalizes verifyUser's bcrypt cost when no user matches, so
// response timing does not reveal whether the identifier exists.
var dummyHash, _ = hashSecret("-")

// verifyUser authenticates a resource owner by username or email. The store
// only returns active users, so inactive and unknown identifiers fail the
// same way as a bad password.
func (a *App) verifyUser(ctx context.Context, identifier, password string) (*User, error) {
	u, err := a.DB.GetUserByLogin(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		compareSecret(dummyHash, password)
		return nil, errUserCredentials
	}
	if !compareSecret(u.Password, password) {
		return nil, errUserCredentials
	}
	return u, nil
}

// verifyClient authenticates a client by its public id. A request without a
// secret is accepted only for clients registered as public; confidential
// clients must always present a matching secret.
func (a *App) verifyClient(ctx context.Context, clientID, secret string, hasSecret bool) (*Client, error) {
	c, err := a.DB.GetClientByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	if c == nil {
		return nil, errInvalidClient
	}
	if !hasSecret {
		if !c.Public {
			return nil, errInvalidClient
		}
		return c, nil
	}
	if !compareSecret(c.Secret, secret) {
		return nil, errInvalidClient
	}
	return c, nil
}

// issueToken mints a new opaque token pair for (client, user) and persists
// it. SaveToken retires any prior pair for the combination, so rotation of a
// superseded refresh token is a side effect of issuance. When rotation is
// disabled and prior carries a refresh token, that token and its expiry are
// carried into the new pair instead of minting a fresh one.
func (a *App) issueToken(ctx context.Context, client *Client, user *User, scope string, prior *TokenRecord) (*TokenRecord, error) {
	access, err := genToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	now := time.Now()
	t := &Token{
		AccessToken:          access,
		AccessTokenExpiresAt: now.Add(time.Duration(a.cfg.AccessTokenLifetime) * time.Second),
		Scope:                normalizeScope(scope),
	}
	if client.AllowsGrant(grantRefresh) {
		if prior != nil && !a.cfg.RotateRefreshTokens {
			t.RefreshToken = prior.RefreshToken
			t.RefreshTokenExpiresAt = prior.RefreshTokenExpiresAt
		} else {
			refresh, err := genToken(32)
			if err != nil {
				return nil, fmt.Errorf("generate refresh token: %w", err)
			}
			t.RefreshToken = refresh
			t.RefreshTokenExpiresAt = now.Add(time.Duration(a.cfg.RefreshTokenLifetime) * time.Second)
		}
	}
	rec, err := a.DB.SaveToken(ctx, t, client, user)
	if err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	return rec, nil
}

// token runs the grant state machine for a validated request. It returns a
// token response or a typed OAuth error; a failed grant never leaves a new
// token row behind.
func (a *App) token(ctx context.Context, req *tokenRequest) (*tokenResponse, error) {
	client, err := a.verifyClient(ctx, req.ClientID, req.ClientSecret, req.HasSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(req.GrantType) {
		return nil, errGrantNotAllowed
	}

	var rec *TokenRecord
	switch req.GrantType {
	case grantPassword:
		user, err := a.verifyUser(ctx, req.Username, req.Password)
		if err != nil {
			return nil, err
		}
		scope := req.Scope
		if scope == "" {
			scope = client.Scope
		}
		rec, err = a.issueToken(ctx, client, user, scope, nil)
		if err != nil {
			return nil, err
		}

	case grantRefresh:
		prior, err := a.DB.FindByRefreshToken(ctx, req.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("lookup refresh token: %w", err)
		}
		if prior == nil || prior.Token.ClientID != client.ID {
			return nil, errRefreshToken
		}
		scope := prior.Scope
		if req.Scope != "" {
			if !verifyScope(prior.Scope, req.Scope) {
				return nil, invalidRequest("requested scope exceeds the original grant.")
			}
			scope = req.Scope
		}
		rec, err = a.issueToken(ctx, client, prior.User, scope, prior)
		if err != nil {
			return nil, err
		}

	default:
		return nil, invalidRequest("Invalid grant_type.")
	}

	return &tokenResponse{
		AccessToken:  rec.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    a.cfg.AccessTokenLifetime,
		RefreshToken: rec.RefreshToken,
		Scope:        rec.Scope,
	}, nil
}

// authenticate resolves a bearer token to its principal, rejecting absent
// and expired tokens.
func (a *App) authenticate(ctx context.Context, bearer string) (*Principal, error) {
	rec, err := a.DB.FindByAccessToken(ctx, bearer)
	if err != nil {
		return nil, fmt.Errorf("lookup access token: %w", err)
	}
	if rec == nil {
		return nil, errAccessToken
	}
	return &Principal{User: rec.User, Client: rec.Client, Scope: rec.Scope}, nil
}
