package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"contextline/internal/config"
	"contextline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

// --- organizations ---

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Organization) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO organizations(id,name,slug,parent_id,is_root,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, o.Slug, nullableStringPtr(o.ParentID), boolToInt(o.IsRoot), o.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("organization slug %s: %w", o.Slug, ErrDuplicate)
	}
	return err
}

func scanOrg(row *sql.Row) (domain.Organization, error) {
	var o domain.Organization
	var parent sql.NullString
	var isRoot int
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &parent, &isRoot, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if parent.Valid {
		o.ParentID = &parent.String
	}
	o.IsRoot = isRoot != 0
	return o, err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	return scanOrg(r.DB.QueryRowContext(ctx, `SELECT id,name,slug,parent_id,is_root,created_at FROM organizations WHERE id=?`, id))
}

func (r Repo) GetOrgBySlug(ctx context.Context, slug string) (domain.Organization, error) {
	return scanOrg(r.DB.QueryRowContext(ctx, `SELECT id,name,slug,parent_id,is_root,created_at FROM organizations WHERE slug=?`, slug))
}

// RootOrg returns the single root organization, if any.
func (r Repo) RootOrg(ctx context.Context) (domain.Organization, error) {
	return scanOrg(r.DB.QueryRowContext(ctx, `SELECT id,name,slug,parent_id,is_root,created_at FROM organizations WHERE is_root=1 LIMIT 1`))
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,slug,parent_id,is_root,created_at FROM organizations ORDER BY created_at ASC, slug ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		var parent sql.NullString
		var isRoot int
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &parent, &isRoot, &o.CreatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			o.ParentID = &parent.String
		}
		o.IsRoot = isRoot != 0
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- content items ---

const itemColumns = `id,kind,name,description,line_of_business,classification,regulatory_json,active,org_id,active_version_id,created_at,updated_at`

func (r Repo) InsertItem(ctx context.Context, it domain.ContentItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO content_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Kind, it.Name, nullable(it.Description), nullable(it.LineOfBusiness), nullable(it.Classification),
		marshalStrings(it.Regulatory), boolToInt(it.Active), nullableStringPtr(it.OrgID), nullableStringPtr(it.ActiveVersionID),
		it.CreatedAt, it.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("content item name %s: %w", it.Name, ErrDuplicate)
	}
	return err
}

func scanItemRow(scan func(dest ...any) error) (domain.ContentItem, error) {
	var it domain.ContentItem
	var desc, lob, class, reg, orgID, activeVersion sql.NullString
	var active int
	err := scan(&it.ID, &it.Kind, &it.Name, &desc, &lob, &class, &reg, &active, &orgID, &activeVersion, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	if desc.Valid {
		it.Description = desc.String
	}
	if lob.Valid {
		it.LineOfBusiness = lob.String
	}
	if class.Valid {
		it.Classification = class.String
	}
	it.Regulatory = unmarshalStrings(reg)
	it.Active = active != 0
	if orgID.Valid {
		it.OrgID = &orgID.String
	}
	if activeVersion.Valid {
		it.ActiveVersionID = &activeVersion.String
	}
	return it, nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id=?`, id)
	it, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) GetItemByName(ctx context.Context, name string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE name=?`, name)
	it, err := scanItemRow(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

// ResolveItem looks up a content item by id first, then by unique name.
func (r Repo) ResolveItem(ctx context.Context, identifier string) (domain.ContentItem, error) {
	it, err := r.GetItem(ctx, identifier)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return it, err
	}
	return r.GetItemByName(ctx, identifier)
}

type ItemFilters struct {
	Kind   string
	LOB    string
	Active *bool
	Limit  int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.ContentItem, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.LOB != "" {
		clauses = append(clauses, "(line_of_business=? OR line_of_business IS NULL)")
		args = append(args, f.LOB)
	}
	if f.Active != nil {
		clauses = append(clauses, "active=?")
		args = append(args, boolToInt(*f.Active))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM content_items ` + where + ` ORDER BY name ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		it, err := scanItemRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// SetItemActive flips the active flag on a content item.
func (r Repo) SetItemActive(ctx context.Context, id string, active bool, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE content_items SET active=?, updated_at=? WHERE id=?`, boolToInt(active), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActiveVersion repoints the item's active version. Must run inside the
// approval transaction so a reader never observes a half-applied swap.
func (r Repo) SetActiveVersion(ctx context.Context, tx *sql.Tx, itemID, versionID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE content_items SET active_version_id=?, updated_at=? WHERE id=?`, versionID, updatedAt, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- versions ---

const versionColumns = `id,item_id,label,payload_json,content_hash,status,author,approver,commit_message,created_at,approved_at`

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO versions(`+versionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ItemID, v.Label, v.PayloadJSON, v.ContentHash, v.Status, v.Author,
		nullableStringPtr(v.Approver), nullable(v.CommitMessage), v.CreatedAt, nullableStringPtr(v.ApprovedAt))
	return err
}

func scanVersionRow(scan func(dest ...any) error) (domain.Version, error) {
	var v domain.Version
	var approver, message, approvedAt sql.NullString
	err := scan(&v.ID, &v.ItemID, &v.Label, &v.PayloadJSON, &v.ContentHash, &v.Status, &v.Author, &approver, &message, &v.CreatedAt, &approvedAt)
	if err != nil {
		return v, err
	}
	if approver.Valid {
		v.Approver = &approver.String
	}
	if message.Valid {
		v.CommitMessage = message.String
	}
	if approvedAt.Valid {
		v.ApprovedAt = &approvedAt.String
	}
	return v, nil
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id)
	v, err := scanVersionRow(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id)
	v, err := scanVersionRow(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// ListVersions returns an item's versions in ascending label order.
func (r Repo) ListVersions(ctx context.Context, itemID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE item_id=? ORDER BY label ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// NextVersionLabel reserves the next monotonically increasing label.
func (r Repo) NextVersionLabel(ctx context.Context, tx *sql.Tx, itemID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(label),0) FROM versions WHERE item_id=?`, itemID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// UpdateVersionStatusIf performs the conditional status transition. It
// returns false when the version was not in fromStatus, which is how two
// concurrent approvals are serialized: exactly one sees rows-affected=1.
func (r Repo) UpdateVersionStatusIf(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, approver, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE versions SET status=?, approver=?, approved_at=? WHERE id=? AND status=?`,
		toStatus, nullable(approver), nullable(ts), id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ArchiveVersion marks a superseded version archived.
func (r Repo) ArchiveVersion(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET status='archived' WHERE id=?`, id)
	return err
}

// --- service config ---

func (r Repo) UpsertServiceConfig(ctx context.Context, serviceID string, cfg *config.Config) error {
	return upsertServiceConfig(ctx, r.DB, nil, serviceID, cfg)
}

func (r Repo) UpsertServiceConfigTx(ctx context.Context, tx *sql.Tx, serviceID string, cfg *config.Config) error {
	return upsertServiceConfig(ctx, nil, tx, serviceID, cfg)
}

func upsertServiceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, serviceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Service.ID = serviceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO service_config(service_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(service_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, serviceID, string(payload), now, now)
	return err
}

func (r Repo) GetServiceConfig(ctx context.Context, serviceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM service_config WHERE service_id=?`, serviceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Service.ID == "" {
		cfg.Service.ID = serviceID
	}
	return &cfg, cfg.Validate()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
