package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/eugener/heimdall/internal"
)

// RecordRequest writes the request row and bumps both rollup tables in a
// single transaction, so the log and the counters never disagree. The
// org-scoped counter is skipped when the key resolved to no organization.
func (s *Store) RecordRequest(ctx context.Context, rec *gateway.RequestRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests (id, key_id, user_id, organization_id, owner_type, owner_id,
		 endpoint, model, request_body, response_body, status_code, error_message,
		 prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.KeyID, rec.UserID, rec.OrgID, rec.OwnerType, rec.OwnerID,
		rec.Endpoint, rec.Model, rawJSON(rec.RequestBody), rawJSON(rec.ResponseBody),
		rec.StatusCode, rec.ErrorMessage,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.LatencyMS,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	day := rec.CreatedAt.UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_rollups (key_id, user_id, day,
		 request_count, prompt_tokens, completion_tokens, total_tokens)
		 VALUES ($1, $2, $3::date, 1, $4, $5, $6)
		 ON CONFLICT (key_id, day) DO UPDATE SET
		 request_count = usage_rollups.request_count + excluded.request_count,
		 prompt_tokens = usage_rollups.prompt_tokens + excluded.prompt_tokens,
		 completion_tokens = usage_rollups.completion_tokens + excluded.completion_tokens,
		 total_tokens = usage_rollups.total_tokens + excluded.total_tokens`,
		rec.KeyID, rec.UserID, day,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
	)
	if err != nil {
		return err
	}

	if rec.OrgID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO api_usage (organization_id, owner_type, owner_id, key_id, day,
			 request_count, prompt_tokens, completion_tokens, total_tokens)
			 VALUES ($1, $2, $3, $4, $5::date, 1, $6, $7, $8)
			 ON CONFLICT (organization_id, owner_type, owner_id, key_id, day) DO UPDATE SET
			 request_count = api_usage.request_count + excluded.request_count,
			 prompt_tokens = api_usage.prompt_tokens + excluded.prompt_tokens,
			 completion_tokens = api_usage.completion_tokens + excluded.completion_tokens,
			 total_tokens = api_usage.total_tokens + excluded.total_tokens`,
			rec.OrgID, rec.OwnerType, rec.OwnerID, rec.KeyID, day,
			rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRollupsByKey returns per-day counters for a key. The window is
// inclusive on both ends.
func (s *Store) ListRollupsByKey(ctx context.Context, keyID string, since, until time.Time) ([]*gateway.UsageRollup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_id, user_id, day, request_count, prompt_tokens, completion_tokens, total_tokens
		 FROM usage_rollups WHERE key_id = $1 AND day >= $2::date AND day <= $3::date
		 ORDER BY day DESC`,
		keyID, since.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRollups(rows)
}

// ListRollupsByUser returns per-day counters across all of a user's keys.
func (s *Store) ListRollupsByUser(ctx context.Context, userID string, since, until time.Time) ([]*gateway.UsageRollup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_id, user_id, day, request_count, prompt_tokens, completion_tokens, total_tokens
		 FROM usage_rollups WHERE user_id = $1 AND day >= $2::date AND day <= $3::date
		 ORDER BY day DESC, key_id`,
		userID, since.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRollups(rows)
}

// ListOrgUsage returns per-day per-owner counters for an organization.
func (s *Store) ListOrgUsage(ctx context.Context, orgID string, since, until time.Time) ([]*gateway.APIUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, owner_type, owner_id, key_id, day,
		 request_count, prompt_tokens, completion_tokens, total_tokens
		 FROM api_usage WHERE organization_id = $1 AND day >= $2::date AND day <= $3::date
		 ORDER BY day DESC, owner_type, owner_id`,
		orgID, since.UTC(), until.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.APIUsage
	for rows.Next() {
		var u gateway.APIUsage
		err := rows.Scan(&u.ID, &u.OrgID, &u.OwnerType, &u.OwnerID, &u.KeyID, &u.Day,
			&u.RequestCount, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens)
		if err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// SumOrgTokens returns the total tokens an organization consumed in the
// inclusive day window.
func (s *Store) SumOrgTokens(ctx context.Context, orgID string, since, until time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM api_usage
		 WHERE organization_id = $1 AND day >= $2::date AND day <= $3::date`,
		orgID, since.UTC(), until.UTC(),
	).Scan(&total)
	return total, err
}

// SumKeyTokens returns the total tokens a key consumed in the inclusive day
// window.
func (s *Store) SumKeyTokens(ctx context.Context, keyID string, since, until time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_rollups
		 WHERE key_id = $1 AND day >= $2::date AND day <= $3::date`,
		keyID, since.UTC(), until.UTC(),
	).Scan(&total)
	return total, err
}

// CountKeyRequests returns the number of requests a key made on one day.
func (s *Store) CountKeyRequests(ctx context.Context, keyID string, day time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(request_count), 0) FROM usage_rollups
		 WHERE key_id = $1 AND day = $2::date`,
		keyID, day.UTC(),
	).Scan(&n)
	return n, err
}

func collectRollups(rows *sql.Rows) ([]*gateway.UsageRollup, error) {
	var out []*gateway.UsageRollup
	for rows.Next() {
		var r gateway.UsageRollup
		err := rows.Scan(&r.ID, &r.KeyID, &r.UserID, &r.Day,
			&r.RequestCount, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens)
		if err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// rawJSON converts a JSON body to a driver value, mapping empty to NULL.
func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
