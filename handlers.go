package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
)

// parseTokenRequest reads the form body and runs the invalid_request checks
// that precede any credential verification.
func parseTokenRequest(r *http.Request) (*tokenRequest, *OAuthError) {
	if err := r.ParseForm(); err != nil {
		return nil, invalidRequest("Request body must be form-encoded.")
	}
	req := &tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		HasSecret:    r.PostForm.Get("client_secret") != "",
		Scope:        r.PostForm.Get("scope"),
	}
	switch req.GrantType {
	case "":
		return nil, invalidRequest("grant_type is required.")
	case grantPassword:
		if req.Username == "" {
			return nil, invalidRequest("username is required for password grant.")
		}
		if req.Password == "" {
			return nil, invalidRequest("password is required for password grant.")
		}
	case grantRefresh:
		if req.RefreshToken == "" {
			return nil, invalidRequest("refresh_token is required for refresh_token grant.")
		}
	default:
		return nil, invalidRequest("Invalid grant_type.")
	}
	if req.ClientID == "" {
		return nil, invalidRequest("client_id is required.")
	}
	return req, nil
}

// HandleToken is the token endpoint: POST /oauth/token.
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	req, oerr := parseTokenRequest(r)
	if oerr != nil {
		grantResult(req, oerr)
		writeOAuthError(w, oerr)
		return
	}
	ctx, cancel := a.storageCtx()
	defer cancel()
	resp, err := a.token(ctx, req)
	if err != nil {
		grantResult(req, err)
		writeOAuthError(w, err)
		return
	}
	grantResult(req, nil)
	writeJSON(w, http.StatusOK, resp)
}

// HandleMe is the protected resource probe: GET /oauth/me. The bearer
// middleware has already resolved the principal.
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		writeOAuthError(w, errAccessToken)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": map[string]interface{}{
			"id":       p.User.ID,
			"username": p.User.Username,
			"email":    p.User.Email,
			"name":     p.User.Name,
		},
		"client": map[string]interface{}{
			"id":        p.Client.ID,
			"client_id": p.Client.ClientID,
			"name":      p.Client.Name,
		},
		"scope": splitScope(p.Scope),
	})
}

// HandleIntrospect reports token state: POST /oauth/introspect, form field
// "token". Unknown and expired tokens both come back inactive.
func (a *App) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("Request body must be form-encoded."))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, invalidRequest("token is required."))
		return
	}
	ctx, cancel := a.storageCtx()
	defer cancel()

	info := TokenInfo{Active: false}
	rec, err := a.DB.FindByAccessToken(ctx, token)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if rec == nil {
		rec, err = a.DB.FindByRefreshToken(ctx, token)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
	}
	if rec != nil {
		info.Active = true
		info.UserID = &rec.User.ID
		info.ClientID = &rec.Client.ClientID
		info.Scope = rec.Scope
		exp := rec.AccessTokenExpiresAt.Unix()
		if rec.AccessToken != token && !rec.RefreshTokenExpiresAt.IsZero() {
			exp = rec.RefreshTokenExpiresAt.Unix()
		}
		info.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleRevoke invalidates a refresh token out of band: POST /oauth/revoke.
// Always 200; the body reports whether a row was removed.
func (a *App) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("Request body must be form-encoded."))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, invalidRequest("token is required."))
		return
	}
	ctx, cancel := a.storageCtx()
	defer cancel()
	revoked, err := a.DB.RevokeByRefreshToken(ctx, token)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// HandleSignup registers a new user: POST /auth/signup. The password is
// hashed here, before the insert; the store never sees the plaintext.
func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, invalidRequest("Invalid request body."))
		return
	}
	if len(req.Username) < 3 {
		writeOAuthError(w, invalidRequest("Username must be at least 3 characters long."))
		return
	}
	if len(req.Password) < 8 {
		writeOAuthError(w, invalidRequest("Password must be at least 8 characters long."))
		return
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			writeOAuthError(w, invalidRequest("Please provide a valid email address."))
			return
		}
	}

	hashed, err := hashSecret(req.Password)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	ctx, cancel := a.storageCtx()
	defer cancel()
	user, err := a.DB.CreateUser(ctx, &User{
		Username: req.Username,
		Email:    req.Email,
		Password: hashed,
		Name:     req.Name,
		IsActive: true,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			writeJSON(w, http.StatusConflict, &OAuthError{codeInvalidRequest, "Username or email already in use."})
			return
		}
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"name":     user.Name,
	})
}

type clientRequest struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	Grants       []string `json:"grants"`
	Scope        string   `json:"scope"`
	Public       bool     `json:"public"`
	OwnerUserID  *int64   `json:"owner_user_id"`
}

// HandleCreateClient registers a client: POST /admin/clients. A random
// secret is generated, only its hash stored, and the plaintext returned
// exactly once in the response.
func (a *App) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, invalidRequest("Invalid request body."))
		return
	}
	if req.ClientID == "" || req.Name == "" {
		writeOAuthError(w, invalidRequest("client_id and name are required."))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, invalidRequest("Redirect URIs cannot be empty."))
		return
	}
	if len(req.Grants) == 0 {
		writeOAuthError(w, invalidRequest("Grants cannot be empty."))
		return
	}
	for _, g := range req.Grants {
		if g != grantPassword && g != grantRefresh {
			writeOAuthError(w, invalidRequest("Unsupported grant type: "+g))
			return
		}
	}

	secret, err := genToken(32)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	hashed, err := hashSecret(secret)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	ctx, cancel := a.storageCtx()
	defer cancel()
	client, err := a.DB.CreateClient(ctx, &Client{
		ClientID:     req.ClientID,
		Secret:       hashed,
		Name:         req.Name,
		RedirectURIs: req.RedirectURIs,
		Grants:       req.Grants,
		Scope:        normalizeScope(req.Scope),
		Public:       req.Public,
		OwnerUserID:  req.OwnerUserID,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			writeJSON(w, http.StatusConflict, &OAuthError{codeInvalidRequest, "Client ID already in use."})
			return
		}
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            client.ID,
		"client_id":     client.ClientID,
		"client_secret": secret, // only returned on creation
		"name":          client.Name,
		"redirect_uris": client.RedirectURIs,
		"grants":        client.Grants,
		"scope":         client.Scope,
		"public":        client.Public,
	})
}
