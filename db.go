package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the durable backing for users, clients and issued tokens.
// Token rows are created and destroyed only through it. SaveToken is the one
// operation requiring cross-request mutual exclusion: retiring the prior
// (user, client) pair and inserting the new one must be a single atomic step.
type Store interface {
	Init() error

	// User operations
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByLogin(ctx context.Context, identifier string) (*User, error)
	DeleteUser(ctx context.Context, id int64) error

	// Client operations
	CreateClient(ctx context.Context, c *Client) (*Client, error)
	GetClientByClientID(ctx context.Context, clientID string) (*Client, error)
	DeleteClient(ctx context.Context, id int64) error

	// Token operations. Lookups treat rows past their relevant expiry as
	// absent; physical deletion of such rows is housekeeping only.
	FindByAccessToken(ctx context.Context, token string) (*TokenRecord, error)
	FindByRefreshToken(ctx context.Context, token string) (*TokenRecord, error)
	SaveToken(ctx context.Context, t *Token, client *Client, user *User) (*TokenRecord, error)
	RevokeByRefreshToken(ctx context.Context, token string) (bool, error)
}

// checkSaveKeys enforces the SaveToken precondition: both parties must carry
// their internal numeric keys, not public-facing identifiers.
func checkSaveKeys(client *Client, user *User) error {
	if client == nil || client.ID <= 0 {
		return fmt.Errorf("%w: client has no internal id", ErrInvariant)
	}
	if user == nil || user.ID <= 0 {
		return fmt.Errorf("%w: user has no internal id", ErrInvariant)
	}
	return nil
}

// Memory store

type MemDB struct {
	mu      sync.Mutex
	users   map[int64]*User
	clients map[int64]*Client
	tokens  map[int64]*Token
	seq     int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:   map[int64]*User{},
		clients: map[int64]*Client{},
		tokens:  map[int64]*Token{},
		seq:     1,
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) nextID() int64 {
	id := m.seq
	m.seq++
	return id
}

func (m *MemDB) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.users {
		if ex.Username == u.Username || (u.Email != "" && ex.Email == u.Email) {
			return nil, ErrConflict
		}
	}
	cp := *u
	cp.ID = m.nextID()
	cp.CreatedAt = time.Now()
	m.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemDB) GetUserByLogin(_ context.Context, identifier string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if !u.IsActive {
			continue
		}
		if u.Username == identifier || (u.Email != "" && u.Email == identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDB) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	for tid, t := range m.tokens {
		if t.UserID == id {
			delete(m.tokens, tid)
		}
	}
	for _, c := range m.clients {
		if c.OwnerUserID != nil && *c.OwnerUserID == id {
			c.OwnerUserID = nil
		}
	}
	return nil
}

func (m *MemDB) CreateClient(_ context.Context, c *Client) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.clients {
		if ex.ClientID == c.ClientID {
			return nil, ErrConflict
		}
	}
	cp := *c
	cp.ID = m.nextID()
	cp.CreatedAt = time.Now()
	m.clients[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemDB) GetClientByClientID(_ context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.ClientID == clientID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDB) DeleteClient(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
	for tid, t := range m.tokens {
		if t.ClientID == id {
			delete(m.tokens, tid)
		}
	}
	return nil
}

func (m *MemDB) record(t *Token) *TokenRecord {
	rec := &TokenRecord{Token: *t}
	if c, ok := m.clients[t.ClientID]; ok {
		cp := *c
		rec.Client = &cp
	}
	if u, ok := m.users[t.UserID]; ok {
		cp := *u
		rec.User = &cp
	}
	return rec
}

func (m *MemDB) FindByAccessToken(_ context.Context, token string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.AccessToken != token {
			continue
		}
		if t.AccessTokenExpiresAt.Before(time.Now()) {
			// keep the row while its refresh token is still exchangeable
			if !t.refreshLive() {
				delete(m.tokens, id)
			}
			return nil, nil
		}
		return m.record(t), nil
	}
	return nil, nil
}

func (m *MemDB) FindByRefreshToken(_ context.Context, token string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.RefreshToken == "" || t.RefreshToken != token {
			continue
		}
		if !t.refreshLive() {
			delete(m.tokens, id)
			return nil, nil
		}
		return m.record(t), nil
	}
	return nil, nil
}

// SaveToken retires any prior pair for (user, client) and inserts the new
// row. The whole step runs under the store mutex, so concurrent issuance for
// the same pair cannot leave two live rows or zero rows.
func (m *MemDB) SaveToken(_ context.Context, t *Token, client *Client, user *User) (*TokenRecord, error) {
	if err := checkSaveKeys(client, user); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[user.ID] == nil || m.clients[client.ID] == nil {
		return nil, fmt.Errorf("save token: unknown user or client")
	}
	for id, ex := range m.tokens {
		if ex.UserID == user.ID && ex.ClientID == client.ID {
			delete(m.tokens, id)
		}
	}
	cp := *t
	cp.ID = m.nextID()
	cp.ClientID = client.ID
	cp.UserID = user.ID
	m.tokens[cp.ID] = &cp
	return m.record(&cp), nil
}

func (m *MemDB) RevokeByRefreshToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.RefreshToken != "" && t.RefreshToken == token {
			delete(m.tokens, id)
			return true, nil
		}
	}
	return false, nil
}

// SQLite store

type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT UNIQUE,
			password TEXT NOT NULL,
			name TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (datetime('now')));`,
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL UNIQUE,
			client_secret TEXT NOT NULL,
			client_name TEXT NOT NULL,
			redirect_uris TEXT NOT NULL,
			grants TEXT NOT NULL,
			scope TEXT,
			public INTEGER NOT NULL DEFAULT 0,
			owner_user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')));`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			access_token TEXT NOT NULL UNIQUE,
			access_token_expires_at INTEGER NOT NULL,
			refresh_token TEXT UNIQUE,
			refresh_token_expires_at INTEGER,
			scope TEXT,
			client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user_client ON tokens(user_id, client_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func (s *SQLiteDB) CreateUser(ctx context.Context, u *User) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username,email,password,name,is_active) VALUES(?,?,?,?,?)`,
		u.Username, nullString(u.Email), u.Password, nullString(u.Name), boolInt(u.IsActive))
	if err != nil {
		if isSQLiteConflict(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *u
	cp.ID = id
	return &cp, nil
}

func (s *SQLiteDB) GetUserByLogin(ctx context.Context, identifier string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,username,email,password,name,is_active FROM users
		 WHERE (username = ? OR email = ?) AND is_active = 1`, identifier, identifier)
	return scanUser(row)
}

func (s *SQLiteDB) DeleteUser(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) CreateClient(ctx context.Context, c *Client) (*Client, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients(client_id,client_secret,client_name,redirect_uris,grants,scope,public,owner_user_id)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.ClientID, c.Secret, c.Name,
		strings.Join(c.RedirectURIs, " "), strings.Join(c.Grants, " "),
		nullString(c.Scope), boolInt(c.Public), nullInt(c.OwnerUserID))
	if err != nil {
		if isSQLiteConflict(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *c
	cp.ID = id
	return &cp, nil
}

func (s *SQLiteDB) GetClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,client_id,client_secret,client_name,redirect_uris,grants,scope,public,owner_user_id
		 FROM clients WHERE client_id = ?`, clientID)
	return scanClient(row)
}

func (s *SQLiteDB) DeleteClient(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	return err
}

const sqliteTokenJoin = `
	SELECT t.id, t.access_token, t.access_token_expires_at, t.refresh_token,
	       t.refresh_token_expires_at, t.scope, t.client_id, t.user_id,
	       c.id, c.client_id, c.client_secret, c.client_name, c.redirect_uris,
	       c.grants, c.scope, c.public, c.owner_user_id,
	       u.id, u.username, u.email, u.password, u.name, u.is_active
	FROM tokens t
	JOIN clients c ON c.id = t.client_id
	JOIN users u ON u.id = t.user_id `

func (s *SQLiteDB) FindByAccessToken(ctx context.Context, token string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteTokenJoin+`WHERE t.access_token = ?`, token)
	rec, err := scanTokenRecord(row)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.AccessTokenExpiresAt.Before(time.Now()) {
		// keep the row while its refresh token is still exchangeable
		if !rec.refreshLive() {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, rec.ID)
		}
		return nil, nil
	}
	return rec, nil
}

func (s *SQLiteDB) FindByRefreshToken(ctx context.Context, token string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteTokenJoin+`WHERE t.refresh_token = ?`, token)
	rec, err := scanTokenRecord(row)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.refreshLive() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, rec.ID)
		return nil, nil
	}
	return rec, nil
}

// SaveToken runs delete-then-insert in one transaction. SQLite serializes
// writers, so the pair invariant holds without extra locking; a failed
// insert rolls back the delete instead of leaving zero rows.
func (s *SQLiteDB) SaveToken(ctx context.Context, t *Token, client *Client, user *User) (*TokenRecord, error) {
	if err := checkSaveKeys(client, user); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("save token: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE user_id = ? AND client_id = ?`, user.ID, client.ID); err != nil {
		return nil, fmt.Errorf("save token: retire prior pair: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tokens(access_token,access_token_expires_at,refresh_token,refresh_token_expires_at,scope,client_id,user_id)
		 VALUES(?,?,?,?,?,?,?)`,
		t.AccessToken, t.AccessTokenExpiresAt.Unix(),
		nullString(t.RefreshToken), nullTime(t.RefreshTokenExpiresAt),
		nullString(t.Scope), client.ID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("save token: insert after retire failed: %w", err)
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("save token: commit: %w", err)
	}

	cp := *t
	cp.ID = id
	cp.ClientID = client.ID
	cp.UserID = user.ID
	return &TokenRecord{Token: cp, Client: client, User: user}, nil
}

func (s *SQLiteDB) RevokeByRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE refresh_token = ?`, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }

func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

// sqlite scan helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var email, name sql.NullString
	if err := row.Scan(&u.ID, &u.Username, &email, &u.Password, &name, &u.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Email = email.String
	u.Name = name.String
	return &u, nil
}

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	var uris, grants string
	var scope sql.NullString
	var owner sql.NullInt64
	if err := row.Scan(&c.ID, &c.ClientID, &c.Secret, &c.Name, &uris, &grants, &scope, &c.Public, &owner); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.RedirectURIs = strings.Fields(uris)
	c.Grants = strings.Fields(grants)
	c.Scope = scope.String
	if owner.Valid {
		c.OwnerUserID = &owner.Int64
	}
	return &c, nil
}

func scanTokenRecord(row rowScanner) (*TokenRecord, error) {
	var rec TokenRecord
	var c Client
	var u User
	var accessExp int64
	var refresh, tokScope, cScope, email, name sql.NullString
	var refreshExp, owner sql.NullInt64
	var uris, grants string
	err := row.Scan(
		&rec.ID, &rec.AccessToken, &accessExp, &refresh, &refreshExp, &tokScope, &rec.Token.ClientID, &rec.Token.UserID,
		&c.ID, &c.ClientID, &c.Secret, &c.Name, &uris, &grants, &cScope, &c.Public, &owner,
		&u.ID, &u.Username, &email, &u.Password, &name, &u.IsActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.AccessTokenExpiresAt = time.Unix(accessExp, 0)
	rec.RefreshToken = refresh.String
	if refreshExp.Valid {
		rec.RefreshTokenExpiresAt = time.Unix(refreshExp.Int64, 0)
	}
	rec.Scope = tokScope.String
	c.RedirectURIs = strings.Fields(uris)
	c.Grants = strings.Fields(grants)
	c.Scope = cScope.String
	if owner.Valid {
		c.OwnerUserID = &owner.Int64
	}
	u.Email = email.String
	u.Name = name.String
	rec.Client = &c
	rec.User = &u
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
