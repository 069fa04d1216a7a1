package main

import "time"

// User is a resource owner. Password holds only the bcrypt hash; the
// plaintext never survives past hashSecret.
type User struct {
	ID        int64
	Username  string
	Email     string
	Password  string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Client is a registered OAuth client. ClientID is the public lookup key;
// ID is the internal numeric key tokens join against. Secret holds only the
// bcrypt hash of the client secret.
type Client struct {
	ID           int64
	ClientID     string
	Secret       string
	Name         string
	RedirectURIs []string
	Grants       []string
	Scope        string
	Public       bool
	OwnerUserID  *int64
	CreatedAt    time.Time
}

// AllowsGrant reports whether grant is in the client's permitted grant types.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.Grants {
		if g == grant {
			return true
		}
	}
	return false
}

// Token is an issued access/refresh pair. RefreshToken is empty when the
// grant did not include one; RefreshTokenExpiresAt is zero in that case.
// ClientID and UserID are the internal numeric keys.
type Token struct {
	ID                    int64
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	Scope                 string
	ClientID              int64
	UserID                int64
}

// refreshLive reports whether the row still carries an unexpired refresh
// token. An expired-access row with a live refresh token must survive until
// the refresh grant consumes it.
func (t *Token) refreshLive() bool {
	if t.RefreshToken == "" {
		return false
	}
	return t.RefreshTokenExpiresAt.IsZero() || t.RefreshTokenExpiresAt.After(time.Now())
}

// TokenRecord is a stored token with its denormalized client and user rows.
type TokenRecord struct {
	Token
	Client *Client
	User   *User
}

// Principal is the identity the resource guard resolves from a bearer token.
type Principal struct {
	User   *User
	Client *Client
	Scope  string
}

// TokenInfo is the introspection response body.
type TokenInfo struct {
	Active    bool    `json:"active"`
	UserID    *int64  `json:"user_id,omitempty"`
	ClientID  *string `json:"client_id,omitempty"`
	Scope     string  `json:"scope,omitempty"`
	ExpiresAt *int64  `json:"exp,omitempty"`
}
