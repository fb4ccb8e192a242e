package postgres

import (
	"context"
	"database/sql"

	gateway "github.com/eugener/heimdall/internal"
)

// CreateUser inserts a new user account.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, status, organization_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Status, nullStr(u.OrgID), u.CreatedAt.UTC(),
	)
	return conflictErr(err)
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, status, organization_id, created_at
		 FROM users WHERE id = $1`, id,
	)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*gateway.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, status, organization_id, created_at
		 FROM users WHERE email = $1`, email,
	)
	return scanUser(row)
}

// ListUsers returns users, optionally filtered by status. An empty status
// matches everyone.
func (s *Store) ListUsers(ctx context.Context, status string, offset, limit int) ([]*gateway.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, password_hash, status, organization_id, created_at
		 FROM users WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of users, optionally filtered by status.
func (s *Store) CountUsers(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE ($1 = '' OR status = $1)`, status,
	).Scan(&n)
	return n, err
}

// UpdateUserStatus sets a user's approval status.
func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user")
}

// AddMembership adds a user to a team.
func (s *Store) AddMembership(ctx context.Context, m *gateway.Membership) error {
	role := m.Role
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (id, team_id, user_id, role)
		 VALUES ($1, $2, $3, $4)`,
		m.ID, m.TeamID, m.UserID, role,
	)
	return conflictErr(err)
}

// RemoveMembership removes a user from a team.
func (s *Store) RemoveMembership(ctx context.Context, teamID, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE team_id = $1 AND user_id = $2`, teamID, userID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "membership")
}

// ListTeamMembers returns the memberships of a team.
func (s *Store) ListTeamMembers(ctx context.Context, teamID string) ([]*gateway.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_id, user_id, role FROM memberships WHERE team_id = $1`, teamID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*gateway.Membership
	for rows.Next() {
		var m gateway.Membership
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func scanUser(s scanner) (*gateway.User, error) {
	var u gateway.User
	var orgID sql.NullString

	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Status, &orgID, &u.CreatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.OrgID = orgID.String
	return &u, nil
}
