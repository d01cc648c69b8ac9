package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"contextline/internal/domain"
)

const agentColumns = `id,org_id,agent_id,name,owner_team,status,tools_json,data_scopes_json,handles_pii,regulatory_json,created_at,updated_at`

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.AgentID, nullable(a.Name), a.OwnerTeam, a.Status,
		marshalStrings(a.Tools), marshalStrings(a.DataScopes), boolToInt(a.HandlesPII), marshalStrings(a.Regulatory),
		a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("agent id %s: %w", a.AgentID, ErrDuplicate)
	}
	return err
}

func scanAgentRow(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var name, tools, scopes, reg sql.NullString
	var pii int
	err := scan(&a.ID, &a.OrgID, &a.AgentID, &name, &a.OwnerTeam, &a.Status, &tools, &scopes, &pii, &reg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if name.Valid {
		a.Name = name.String
	}
	a.Tools = unmarshalStrings(tools)
	a.DataScopes = unmarshalStrings(scopes)
	a.HandlesPII = pii != 0
	a.Regulatory = unmarshalStrings(reg)
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	a, err := scanAgentRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// GetAgentByExternalID resolves a caller by its wire identity (agent_id).
func (r Repo) GetAgentByExternalID(ctx context.Context, agentID string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id=?`, agentID)
	a, err := scanAgentRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type AgentFilters struct {
	OrgID     string
	Status    string
	OwnerTeam string
	Limit     int
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerTeam != "" {
		clauses = append(clauses, "owner_team=?")
		args = append(args, f.OwnerTeam)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + agentColumns + ` FROM agents ` + where + ` ORDER BY created_at DESC, agent_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgentStatusIf performs the conditional lifecycle transition for an
// agent, mirroring the version approval CAS.
func (r Repo) UpdateAgentStatusIf(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, ts string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=? AND status=?`, toStatus, ts, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
