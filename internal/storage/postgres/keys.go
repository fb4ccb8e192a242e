package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	gateway "github.com/eugener/heimdall/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = gateway.RoleUser
	}
	status := key.Status
	if status == "" {
		status = gateway.KeyStatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, owner_type, owner_id, user_id, name, key_hash, key_last4,
		 role, status, monthly_token_quota, daily_request_quota, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		key.ID, key.OwnerType, key.OwnerID, nullStr(key.UserID), key.Name, key.KeyHash, key.KeyLast4,
		role, status, nullI64(key.MonthlyTokenQuota), nullI64(key.DailyRequestQuota),
		nullTime(key.ExpiresAt), key.CreatedAt.UTC(),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_type, owner_id, user_id, name, key_hash, key_last4,
		 role, status, monthly_token_quota, daily_request_quota, expires_at,
		 created_at, last_used_at
		 FROM api_keys WHERE id = $1`, id,
	)
	return scanKey(row)
}

// ListKeysByLast4 returns every key whose plaintext ended in the given four
// characters. The index on key_last4 narrows bcrypt candidates to a few rows.
func (s *Store) ListKeysByLast4(ctx context.Context, last4 string) ([]*gateway.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_type, owner_id, user_id, name, key_hash, key_last4,
		 role, status, monthly_token_quota, daily_request_quota, expires_at,
		 created_at, last_used_at
		 FROM api_keys WHERE key_last4 = $1 ORDER BY created_at DESC`, last4,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListKeysByOwner returns API keys belonging to a user or team.
func (s *Store) ListKeysByOwner(ctx context.Context, ownerType, ownerID string) ([]*gateway.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_type, owner_id, user_id, name, key_hash, key_last4,
		 role, status, monthly_token_quota, daily_request_quota, expires_at,
		 created_at, last_used_at
		 FROM api_keys WHERE owner_type = $1 AND owner_id = $2 ORDER BY created_at DESC`,
		ownerType, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks a key revoked. Revoked keys stay in the table so request
// history keeps resolving.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET status = $1 WHERE id = $2`,
		gateway.KeyStatusRevoked, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id,
	)
	return err
}

// OwnerOrgID resolves the organization a key owner belongs to. Unknown owners
// resolve to the empty string without error.
func (s *Store) OwnerOrgID(ctx context.Context, ownerType, ownerID string) (string, error) {
	var q string
	switch ownerType {
	case gateway.OwnerTypeTeam:
		q = `SELECT organization_id FROM teams WHERE id = $1`
	default:
		q = `SELECT organization_id FROM users WHERE id = $1`
	}
	var orgID sql.NullString
	err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return orgID.String, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var userID sql.NullString
	var monthlyQuota, dailyQuota sql.NullInt64
	var expiresAt, lastUsedAt sql.NullTime

	err := s.Scan(
		&k.ID, &k.OwnerType, &k.OwnerID, &userID, &k.Name, &k.KeyHash, &k.KeyLast4,
		&k.Role, &k.Status, &monthlyQuota, &dailyQuota,
		&expiresAt, &k.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.UserID = userID.String
	k.MonthlyTokenQuota = int64Ptr(monthlyQuota)
	k.DailyRequestQuota = int64Ptr(dailyQuota)
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	return &k, nil
}

// helpers

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// conflictErr translates a Postgres unique violation to gateway.ErrConflict.
func conflictErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return gateway.ErrConflict
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullI64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
