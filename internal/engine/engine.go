package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contextline/internal/audit"
	"contextline/internal/config"
	"contextline/internal/domain"
	"contextline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger audit.Ledger
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: audit.Ledger{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// ErrInvalidTransition marks a lifecycle operation attempted from the wrong
// source state. The state is never mutated when this is returned.
var ErrInvalidTransition = errors.New("invalid status transition")

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HashContent returns the SHA-256 hex digest of the canonical JSON encoding
// of the payload. encoding/json sorts object keys, so semantically equal
// payloads hash identically regardless of input key order.
func HashContent(payloadJSON string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(payloadJSON), &v); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CreateOrg creates an organization node. An empty parent slug creates the
// root; the tree has exactly one root.
func (e Engine) CreateOrg(ctx context.Context, slug, name, parentSlug string) (domain.Organization, error) {
	if slug == "" {
		return domain.Organization{}, errors.New("slug is required")
	}
	if name == "" {
		name = slug
	}
	o := domain.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if parentSlug == "" {
		if _, err := e.Repo.RootOrg(ctx); err == nil {
			return domain.Organization{}, fmt.Errorf("root organization already exists: %w", repo.ErrDuplicate)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Organization{}, err
		}
		o.IsRoot = true
	} else {
		parent, err := e.Repo.GetOrgBySlug(ctx, parentSlug)
		if err != nil {
			return domain.Organization{}, fmt.Errorf("parent organization %s: %w", parentSlug, err)
		}
		o.ParentID = &parent.ID
	}
	if err := e.Repo.InsertOrg(ctx, nil, o); err != nil {
		return domain.Organization{}, err
	}
	return o, nil
}

// ItemCreateOptions are parameters for creating a content item.
type ItemCreateOptions struct {
	Kind           string
	Name           string
	Description    string
	LineOfBusiness string
	Classification string
	Regulatory     []string
	OrgSlug        string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.ContentItem, error) {
	if e.Config == nil {
		return domain.ContentItem{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.ContentItem{}, errors.New("name is required")
	}
	if opts.Kind != "context" && opts.Kind != "prompt" {
		return domain.ContentItem{}, fmt.Errorf("invalid content kind %q", opts.Kind)
	}
	if opts.LineOfBusiness != "" && !e.Config.KnownLOB(opts.LineOfBusiness) {
		return domain.ContentItem{}, fmt.Errorf("invalid line of business %q", opts.LineOfBusiness)
	}
	now := e.now().UTC().Format(time.RFC3339)
	it := domain.ContentItem{
		ID:             uuid.NewString(),
		Kind:           opts.Kind,
		Name:           opts.Name,
		Description:    opts.Description,
		LineOfBusiness: opts.LineOfBusiness,
		Classification: opts.Classification,
		Regulatory:     opts.Regulatory,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.OrgSlug != "" {
		org, err := e.Repo.GetOrgBySlug(ctx, opts.OrgSlug)
		if err != nil {
			return domain.ContentItem{}, fmt.Errorf("organization %s: %w", opts.OrgSlug, err)
		}
		it.OrgID = &org.ID
	}
	if err := e.Repo.InsertItem(ctx, it); err != nil {
		return domain.ContentItem{}, err
	}
	return it, nil
}

// ProposeVersion stores an immutable snapshot of content in status proposed.
// The item's currently active version is untouched until approval.
func (e Engine) ProposeVersion(ctx context.Context, itemID, payloadJSON, author, commitMessage string) (domain.Version, error) {
	if author == "" {
		return domain.Version{}, errors.New("author is required")
	}
	it, err := e.Repo.ResolveItem(ctx, itemID)
	if err != nil {
		return domain.Version{}, err
	}
	hash, err := HashContent(payloadJSON)
	if err != nil {
		return domain.Version{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	label, err := e.Repo.NextVersionLabel(ctx, tx, it.ID)
	if err != nil {
		return domain.Version{}, err
	}
	v := domain.Version{
		ID:            uuid.NewString(),
		ItemID:        it.ID,
		Label:         label,
		PayloadJSON:   payloadJSON,
		ContentHash:   hash,
		Status:        "proposed",
		Author:        author,
		CommitMessage: commitMessage,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// ApproveVersion moves a proposed version to approved, archives the item's
// previous active version and repoints active_version_id, all in one
// transaction. The proposed->approved flip is a conditional update, so of
// two concurrent approvals exactly one succeeds; the loser gets
// ErrInvalidTransition.
func (e Engine) ApproveVersion(ctx context.Context, versionID, approver string) (domain.Version, error) {
	if approver == "" {
		return domain.Version{}, errors.New("approver is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateVersionStatusIf(ctx, tx, v.ID, "proposed", "approved", approver, now)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return v, fmt.Errorf("approve version %s in status %s: %w", v.ID, v.Status, ErrInvalidTransition)
	}

	var prevActive sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT active_version_id FROM content_items WHERE id=?`, v.ItemID).Scan(&prevActive); err != nil {
		if err == sql.ErrNoRows {
			return domain.Version{}, repo.ErrNotFound
		}
		return domain.Version{}, err
	}
	if prevActive.Valid && prevActive.String != v.ID {
		if err := e.Repo.ArchiveVersion(ctx, tx, prevActive.String); err != nil {
			return domain.Version{}, err
		}
	}
	if err := e.Repo.SetActiveVersion(ctx, tx, v.ItemID, v.ID, now); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	v.Status = "approved"
	v.Approver = &approver
	v.ApprovedAt = &now
	return v, nil
}

// RejectVersion has the same precondition as ApproveVersion but only sets
// status rejected; no sibling is archived.
func (e Engine) RejectVersion(ctx context.Context, versionID, approver string) (domain.Version, error) {
	if approver == "" {
		return domain.Version{}, errors.New("approver is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateVersionStatusIf(ctx, tx, v.ID, "proposed", "rejected", approver, now)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return v, fmt.Errorf("reject version %s in status %s: %w", v.ID, v.Status, ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	v.Status = "rejected"
	v.Approver = &approver
	v.ApprovedAt = &now
	return v, nil
}

// ActiveVersion returns the single approved, active version for an item,
// or repo.ErrNotFound when nothing has ever been approved. This is the only
// version the delivery paths may serve.
func (e Engine) ActiveVersion(ctx context.Context, itemID string) (domain.Version, error) {
	it, err := e.Repo.ResolveItem(ctx, itemID)
	if err != nil {
		return domain.Version{}, err
	}
	if it.ActiveVersionID == nil {
		return domain.Version{}, fmt.Errorf("item %s has no approved version: %w", it.Name, repo.ErrNotFound)
	}
	return e.Repo.GetVersion(ctx, *it.ActiveVersionID)
}

// SetItemActive flips delivery eligibility for an item.
func (e Engine) SetItemActive(ctx context.Context, itemID string, active bool) (domain.ContentItem, error) {
	it, err := e.Repo.ResolveItem(ctx, itemID)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if err := e.Repo.SetItemActive(ctx, it.ID, active, e.now().UTC().Format(time.RFC3339)); err != nil {
		return domain.ContentItem{}, err
	}
	return e.Repo.GetItem(ctx, it.ID)
}
