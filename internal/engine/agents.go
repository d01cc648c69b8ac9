package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contextline/internal/domain"
)

// AgentRegisterOptions are parameters for registering an agent.
type AgentRegisterOptions struct {
	AgentID    string
	Name       string
	OrgSlug    string
	OwnerTeam  string
	Tools      []string
	DataScopes []string
	HandlesPII bool
	Regulatory []string
}

// RegisterAgent creates an agent in draft status.
func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if e.Config == nil {
		return domain.Agent{}, errors.New("config not loaded")
	}
	if opts.AgentID == "" {
		return domain.Agent{}, errors.New("agent_id is required")
	}
	if opts.OwnerTeam == "" {
		return domain.Agent{}, errors.New("owner_team is required")
	}
	if !e.Config.KnownLOB(opts.OwnerTeam) {
		return domain.Agent{}, fmt.Errorf("invalid owner team %q", opts.OwnerTeam)
	}
	org, err := e.resolveOrg(ctx, opts.OrgSlug)
	if err != nil {
		return domain.Agent{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Agent{
		ID:         uuid.NewString(),
		OrgID:      org.ID,
		AgentID:    opts.AgentID,
		Name:       opts.Name,
		OwnerTeam:  opts.OwnerTeam,
		Status:     "draft",
		Tools:      opts.Tools,
		DataScopes: opts.DataScopes,
		HandlesPII: opts.HandlesPII,
		Regulatory: opts.Regulatory,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) resolveOrg(ctx context.Context, slug string) (domain.Organization, error) {
	if slug == "" {
		return e.Repo.RootOrg(ctx)
	}
	return e.Repo.GetOrgBySlug(ctx, slug)
}

// SubmitAgent moves a draft agent to pending_approval.
func (e Engine) SubmitAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.transitionAgent(ctx, id, "draft", "pending_approval")
}

// ApproveAgent moves a pending agent to approved. The approver being a
// distinct actor from the submitter is a review convention, not enforced
// here.
func (e Engine) ApproveAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.transitionAgent(ctx, id, "pending_approval", "approved")
}

// RejectAgent moves a pending agent to rejected.
func (e Engine) RejectAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.transitionAgent(ctx, id, "pending_approval", "rejected")
}

func (e Engine) transitionAgent(ctx context.Context, id, from, to string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	ok, err := e.Repo.UpdateAgentStatusIf(ctx, nil, a.ID, from, to, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return domain.Agent{}, err
	}
	if !ok {
		return a, fmt.Errorf("agent %s in status %s cannot move to %s: %w", a.AgentID, a.Status, to, ErrInvalidTransition)
	}
	return e.Repo.GetAgent(ctx, id)
}
