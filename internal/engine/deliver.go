package engine

import (
	"context"
	"errors"

	"contextline/internal/audit"
	"contextline/internal/domain"
	"contextline/internal/engine/policy"
	"contextline/internal/render"
	"contextline/internal/repo"
)

// DeliverOptions are parameters for one delivery attempt.
type DeliverOptions struct {
	// Identifier is a content item id or its unique name.
	Identifier string
	AgentID    string
	TraceID    string
	Variables  map[string]string
	Overrides  map[string]any
	Format     string
	Origin     string
	// Kind, when set, restricts which item kind may be served (the
	// protocol skills are kind-specific; the gateway is not).
	Kind string
}

// Delivery is a rendered, governed response.
type Delivery struct {
	Item        domain.ContentItem
	Version     domain.Version
	TraceID     string
	Format      string
	Body        []byte
	ContentType string
}

// Deliver runs the full governed sequence: validate, resolve item, policy
// check, ledger write, render. The order is fixed because it decides which
// reason gets audited; validation and resolution failures happen before any
// ledger write, everything after produces exactly one entry.
func (e Engine) Deliver(ctx context.Context, opts DeliverOptions) (Delivery, error) {
	if opts.AgentID == "" {
		return Delivery{}, errors.New("agent id is required")
	}
	if opts.TraceID == "" {
		return Delivery{}, errors.New("trace id is required")
	}
	format, err := render.ValidFormat(opts.Format)
	if err != nil {
		return Delivery{}, err
	}

	item, err := e.Repo.ResolveItem(ctx, opts.Identifier)
	if err != nil {
		return Delivery{}, err
	}
	if opts.Kind != "" && item.Kind != opts.Kind {
		return Delivery{}, repo.ErrNotFound
	}

	var agent *domain.Agent
	a, err := e.Repo.GetAgentByExternalID(ctx, opts.AgentID)
	if err == nil {
		agent = &a
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Delivery{}, err
	}

	entry := audit.Entry{
		AgentID:      opts.AgentID,
		TraceID:      opts.TraceID,
		ResourceKind: item.Kind,
		ResourceID:   item.ID,
		ResourceName: item.Name,
		Origin:       opts.Origin,
	}

	decision := policy.CheckDelivery(agent, item)
	if !decision.Allowed {
		entry.Outcome = audit.OutcomeDenied
		entry.Reason = decision.Reason
		e.Ledger.Record(ctx, entry)
		return Delivery{}, policy.DeniedError{Reason: decision.Reason}
	}

	version, err := e.ActiveVersion(ctx, item.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			entry.Outcome = audit.OutcomeDenied
			entry.Reason = "no approved version"
			e.Ledger.Record(ctx, entry)
		}
		return Delivery{}, err
	}

	// Success entry first: the ledger records the decision, not whether the
	// bytes made it out.
	entry.Outcome = audit.OutcomeDelivered
	entry.VersionID = version.ID
	e.Ledger.Record(ctx, entry)

	body, err := render.Render(version.PayloadJSON, opts.Variables, opts.Overrides, format)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		Item:        item,
		Version:     version,
		TraceID:     opts.TraceID,
		Format:      format,
		Body:        body,
		ContentType: render.ContentType(format),
	}, nil
}
