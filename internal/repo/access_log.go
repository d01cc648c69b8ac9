package repo

import (
	"context"
	"database/sql"

	"contextline/internal/domain"
)

const accessColumns = `id,ts,agent_id,trace_id,resource_kind,resource_id,resource_name,version_id,outcome,reason,origin`

func scanAccessRow(scan func(dest ...any) error) (domain.AccessEntry, error) {
	var e domain.AccessEntry
	var resourceID, versionID, reason, origin sql.NullString
	err := scan(&e.ID, &e.TS, &e.AgentID, &e.TraceID, &e.ResourceKind, &resourceID, &e.ResourceName, &versionID, &e.Outcome, &reason, &origin)
	if err != nil {
		return e, err
	}
	if resourceID.Valid {
		e.ResourceID = resourceID.String
	}
	if versionID.Valid {
		e.VersionID = &versionID.String
	}
	if reason.Valid {
		e.Reason = reason.String
	}
	if origin.Valid {
		e.Origin = origin.String
	}
	return e, nil
}

// RecentAccess returns the newest ledger entries first.
func (r Repo) RecentAccess(ctx context.Context, limit int) ([]domain.AccessEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accessColumns+` FROM access_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectAccess(rows)
}

// AccessByAgent returns one agent's ledger entries in request order, which
// is the lineage view: everything the agent asked for and the outcome.
func (r Repo) AccessByAgent(ctx context.Context, agentID string, limit int) ([]domain.AccessEntry, error) {
	query := `SELECT ` + accessColumns + ` FROM access_log WHERE agent_id=? ORDER BY id ASC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAccess(rows)
}

// AccessByTrace returns all entries correlated to one caller-initiated request.
func (r Repo) AccessByTrace(ctx context.Context, traceID string) ([]domain.AccessEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accessColumns+` FROM access_log WHERE trace_id=? ORDER BY id ASC`, traceID)
	if err != nil {
		return nil, err
	}
	return collectAccess(rows)
}

func collectAccess(rows *sql.Rows) ([]domain.AccessEntry, error) {
	defer rows.Close()
	var res []domain.AccessEntry
	for rows.Next() {
		e, err := scanAccessRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
