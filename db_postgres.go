package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// tables come from migrations; just verify connectivity
	return p.db.Ping()
}

func isPostgresConflict(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

func (p *PostgresDB) CreateUser(ctx context.Context, u *User) (*User, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(username,email,password,name,is_active,created_at)
		 VALUES($1,$2,$3,$4,$5,now()) RETURNING id`,
		u.Username, nullString(u.Email), u.Password, nullString(u.Name), u.IsActive).Scan(&id)
	if err != nil {
		if isPostgresConflict(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	cp := *u
	cp.ID = id
	return &cp, nil
}

func (p *PostgresDB) GetUserByLogin(ctx context.Context, identifier string) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id,username,email,password,name,is_active FROM users
		 WHERE (username = $1 OR email = $1) AND is_active`, identifier)
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

func (p *PostgresDB) DeleteUser(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func (p *PostgresDB) CreateClient(ctx context.Context, c *Client) (*Client, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO clients(client_id,client_secret,client_name,redirect_uris,grants,scope,public,owner_user_id,created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,now()) RETURNING id`,
		c.ClientID, c.Secret, c.Name, pq.Array(c.RedirectURIs), pq.Array(c.Grants),
		nullString(c.Scope), c.Public, nullInt(c.OwnerUserID)).Scan(&id)
	if err != nil {
		if isPostgresConflict(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	cp := *c
	cp.ID = id
	return &cp, nil
}

func (p *PostgresDB) GetClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id,client_id,client_secret,client_name,redirect_uris,grants,scope,public,owner_user_id
		 FROM clients WHERE client_id = $1`, clientID)
	var c Client
	var scope sql.NullString
	var owner sql.NullInt64
	if err := row.Scan(&c.ID, &c.ClientID, &c.Secret, &c.Name,
		pq.Array(&c.RedirectURIs), pq.Array(&c.Grants), &scope, &c.Public, &owner); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.Scope = scope.String
	if owner.Valid {
		c.OwnerUserID = &owner.Int64
	}
	return &c, nil
}

func (p *PostgresDB) DeleteClient(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	return err
}

const postgresTokenJoin = `
	SELECT t.id, t.access_token, t.access_token_expires_at, t.refresh_token,
	       t.refresh_token_expires_at, t.scope, t.client_id, t.user_id,
	       c.id, c.client_id, c.client_secret, c.client_name, c.redirect_uris,
	       c.grants, c.scope, c.public, c.owner_user_id,
	       u.id, u.username, u.email, u.password, u.name, u.is_active
	FROM tokens t
	JOIN clients c ON c.id = t.client_id
	JOIN users u ON u.id = t.user_id `

func (p *PostgresDB) scanTokenRow(row *sql.Row) (*TokenRecord, error) {
	var rec TokenRecord
	var c Client
	var u User
	var refresh, tokScope, cScope, email, name sql.NullString
	var refreshExp sql.NullTime
	var owner sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.AccessToken, &rec.AccessTokenExpiresAt, &refresh, &refreshExp,
		&tokScope, &rec.Token.ClientID, &rec.Token.UserID,
		&c.ID, &c.ClientID, &c.Secret, &c.Name, pq.Array(&c.RedirectURIs),
		pq.Array(&c.Grants), &cScope, &c.Public, &owner,
		&u.ID, &u.Username, &email, &u.Password, &name, &u.IsActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.RefreshToken = refresh.String
	if refreshExp.Valid {
		rec.RefreshTokenExpiresAt = refreshExp.Time
	}
	rec.Scope = tokScope.String
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

func (p *PostgresDB) FindByAccessToken(ctx context.Context, token string) (*TokenRecord, error) {
	rec, err := p.scanTokenRow(p.db.QueryRowContext(ctx, postgresTokenJoin+`WHERE t.access_token = $1`, token))
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.AccessTokenExpiresAt.Before(time.Now()) {
		// keep the row while its refresh token is still exchangeable
		if !rec.refreshLive() {
			_, _ = p.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, rec.ID)
		}
		return nil, nil
	}
	return rec, nil
}

func (p *PostgresDB) FindByRefreshToken(ctx context.Context, token string) (*TokenRecord, error) {
	rec, err := p.scanTokenRow(p.db.QueryRowContext(ctx, postgresTokenJoin+`WHERE t.refresh_token = $1`, token))
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.refreshLive() {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, rec.ID)
		return nil, nil
	}
	return rec, nil
}

// SaveToken retires the prior pair and inserts the new one in a single
// transaction. A per-(user, client) advisory lock serializes concurrent
// issuance for the same pair, so two racing grants cannot leave two live
// rows or delete each other's fresh insert.
func (p *PostgresDB) SaveToken(ctx context.Context, t *Token, client *Client, user *User) (*TokenRecord, error) {
	if err := checkSaveKeys(client, user); err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("save token: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1::int, $2::int)`, user.ID, client.ID); err != nil {
		return nil, fmt.Errorf("save token: lock pair: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE user_id = $1 AND client_id = $2`, user.ID, client.ID); err != nil {
		return nil, fmt.Errorf("save token: retire prior pair: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO tokens(access_token,access_token_expires_at,refresh_token,refresh_token_expires_at,scope,client_id,user_id)
		 VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		t.AccessToken, t.AccessTokenExpiresAt,
		nullString(t.RefreshToken), nullTimestamp(t.RefreshTokenExpiresAt),
		nullString(t.Scope), client.ID, user.ID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("save token: insert after retire failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("save token: commit: %w", err)
	}

	cp := *t
	cp.ID = id
	cp.ClientID = client.ID
	cp.UserID = user.ID
	return &TokenRecord{Token: cp, Client: client, User: user}, nil
}

func (p *PostgresDB) RevokeByRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tokens WHERE refresh_token = $1`, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullTimestamp(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
