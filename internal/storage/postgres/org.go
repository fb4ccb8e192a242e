package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gateway "github.com/eugener/heimdall/internal"
)

// CreateOrg inserts a new organization.
func (s *Store) CreateOrg(ctx context.Context, org *gateway.Organization) error {
	settings, err := marshalJSON(org.Settings)
	if err != nil {
		return err
	}
	status := org.Status
	if status == "" {
		status = "active"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, status, monthly_token_quota, settings, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6)`,
		org.ID, org.Name, status, nullI64(org.MonthlyTokenQuota), settings, org.CreatedAt.UTC(),
	)
	return conflictErr(err)
}

// GetOrg retrieves an organization by ID.
func (s *Store) GetOrg(ctx context.Context, id string) (*gateway.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, monthly_token_quota, settings, created_at
		 FROM organizations WHERE id = $1`, id,
	)
	return scanOrg(row)
}

// GetOrgByName retrieves an organization by its unique name.
func (s *Store) GetOrgByName(ctx context.Context, name string) (*gateway.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, monthly_token_quota, settings, created_at
		 FROM organizations WHERE name = $1`, name,
	)
	return scanOrg(row)
}

// ListOrgs returns organizations ordered by name.
func (s *Store) ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, monthly_token_quota, settings, created_at
		 FROM organizations ORDER BY name LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*gateway.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// CountOrgs returns the total number of organizations.
func (s *Store) CountOrgs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&n)
	return n, err
}

// UpdateOrg updates an organization.
func (s *Store) UpdateOrg(ctx context.Context, org *gateway.Organization) error {
	settings, err := marshalJSON(org.Settings)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET name = $1, status = $2, monthly_token_quota = $3,
		 settings = COALESCE($4::jsonb, '{}'::jsonb)
		 WHERE id = $5`,
		org.Name, org.Status, nullI64(org.MonthlyTokenQuota), settings, org.ID,
	)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "organization")
}

// DeleteOrg removes an organization and, via cascade, its teams.
func (s *Store) DeleteOrg(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// CreateTeam inserts a new team.
func (s *Store) CreateTeam(ctx context.Context, team *gateway.Team) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams (id, organization_id, name, description, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		team.ID, team.OrgID, team.Name, team.Description, team.CreatedAt.UTC(),
	)
	return conflictErr(err)
}

// GetTeam retrieves a team by ID.
func (s *Store) GetTeam(ctx context.Context, id string) (*gateway.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, description, created_at
		 FROM teams WHERE id = $1`, id,
	)
	return scanTeam(row)
}

// ListTeams returns all teams in an organization ordered by name.
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]*gateway.Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, name, description, created_at
		 FROM teams WHERE organization_id = $1 ORDER BY name`, orgID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*gateway.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// DeleteTeam removes a team and, via cascade, its memberships.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "team")
}

func scanOrg(s scanner) (*gateway.Organization, error) {
	var o gateway.Organization
	var quota sql.NullInt64
	var settings []byte

	err := s.Scan(&o.ID, &o.Name, &o.Status, &quota, &settings, &o.CreatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	o.MonthlyTokenQuota = int64Ptr(quota)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &o.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &o, nil
}

func scanTeam(s scanner) (*gateway.Team, error) {
	var t gateway.Team
	err := s.Scan(&t.ID, &t.OrgID, &t.Name, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &t, nil
}
