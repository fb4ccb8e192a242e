package postgres

import (
	"context"

	gateway "github.com/eugener/heimdall/internal"
)

// AppendAudit inserts one audit record.
func (s *Store) AppendAudit(ctx context.Context, e *gateway.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audits (actor_key_id, action, target_type, target_id, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		e.ActorKeyID, e.Action, e.TargetType, e.TargetID, rawJSON(e.Meta), e.CreatedAt.UTC(),
	)
	return err
}

// ListAudits returns audit records, newest first.
func (s *Store) ListAudits(ctx context.Context, offset, limit int) ([]*gateway.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_key_id, action, target_type, target_id, meta, created_at
		 FROM audits ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.AuditEntry
	for rows.Next() {
		var e gateway.AuditEntry
		var meta []byte
		err := rows.Scan(&e.ID, &e.ActorKeyID, &e.Action, &e.TargetType, &e.TargetID, &meta, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.Meta = meta
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountAudits returns the total number of audit records.
func (s *Store) CountAudits(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audits`).Scan(&n)
	return n, err
}
