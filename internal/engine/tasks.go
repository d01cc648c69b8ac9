package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contextline/internal/domain"
	"contextline/internal/engine/policy"
	"contextline/internal/repo"
)

// SkillInput is the parameter object for content-resolving skills.
type SkillInput struct {
	Name      string            `json:"name,omitempty"`
	AgentID   string            `json:"agent_id"`
	TraceID   string            `json:"trace_id"`
	Variables map[string]string `json:"variables,omitempty"`
	Overrides map[string]any    `json:"overrides,omitempty"`
	Format    string            `json:"format,omitempty"`
}

// SkillResult is the output of a content-resolving skill.
type SkillResult struct {
	Item         string          `json:"item,omitempty"`
	ItemID       string          `json:"item_id,omitempty"`
	VersionID    string          `json:"version_id,omitempty"`
	VersionLabel int             `json:"version_label,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	Format       string          `json:"format,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Items        []ItemSummary   `json:"items,omitempty"`
}

type ItemSummary struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	LineOfBusiness string `json:"line_of_business,omitempty"`
}

// ExecuteSkill dispatches a protocol skill. Content-resolving skills route
// through Deliver, so the protocol surface shares the gateway's policy and
// ledger behavior instead of reimplementing it.
func (e Engine) ExecuteSkill(ctx context.Context, skillID string, rawInput json.RawMessage, origin string) (SkillResult, error) {
	if e.Config == nil {
		return SkillResult{}, errors.New("config not loaded")
	}
	if _, ok := e.Config.SkillByID(skillID); !ok {
		return SkillResult{}, fmt.Errorf("skill %s: %w", skillID, repo.ErrNotFound)
	}
	var input SkillInput
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return SkillResult{}, fmt.Errorf("invalid skill input: %w", err)
		}
	}
	switch skillID {
	case "get_context":
		return e.deliverSkill(ctx, input, "context", origin)
	case "get_prompt":
		return e.deliverSkill(ctx, input, "prompt", origin)
	case "list_contexts":
		return e.listSkill(ctx, input, "context")
	case "list_prompts":
		return e.listSkill(ctx, input, "prompt")
	default:
		return SkillResult{}, fmt.Errorf("skill %s: %w", skillID, repo.ErrNotFound)
	}
}

func (e Engine) deliverSkill(ctx context.Context, input SkillInput, kind, origin string) (SkillResult, error) {
	if input.Name == "" {
		return SkillResult{}, errors.New("name is required")
	}
	d, err := e.Deliver(ctx, DeliverOptions{
		Identifier: input.Name,
		AgentID:    input.AgentID,
		TraceID:    input.TraceID,
		Variables:  input.Variables,
		Overrides:  input.Overrides,
		Format:     input.Format,
		Origin:     origin,
		Kind:       kind,
	})
	if err != nil {
		return SkillResult{}, err
	}
	content := json.RawMessage(d.Body)
	if d.Format != "structured" {
		content, _ = json.Marshal(string(d.Body))
	}
	return SkillResult{
		Item:         d.Item.Name,
		ItemID:       d.Item.ID,
		VersionID:    d.Version.ID,
		VersionLabel: d.Version.Label,
		TraceID:      d.TraceID,
		Format:       d.Format,
		Content:      content,
	}, nil
}

// listSkill returns metadata for active items the caller may see: its own
// line of business plus unrestricted items. Registration is required, as on
// the delivery path.
func (e Engine) listSkill(ctx context.Context, input SkillInput, kind string) (SkillResult, error) {
	if input.AgentID == "" {
		return SkillResult{}, errors.New("agent id is required")
	}
	a, err := e.Repo.GetAgentByExternalID(ctx, input.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return SkillResult{}, policy.DeniedError{Reason: policy.ReasonUnregistered}
		}
		return SkillResult{}, err
	}
	if a.Status != "approved" {
		return SkillResult{}, policy.DeniedError{Reason: policy.ReasonUnregistered}
	}
	active := true
	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{Kind: kind, LOB: a.OwnerTeam, Active: &active})
	if err != nil {
		return SkillResult{}, err
	}
	res := SkillResult{Items: []ItemSummary{}}
	for _, it := range items {
		res.Items = append(res.Items, ItemSummary{
			ID:             it.ID,
			Kind:           it.Kind,
			Name:           it.Name,
			Description:    it.Description,
			LineOfBusiness: it.LineOfBusiness,
		})
	}
	return res, nil
}

// CreateTask records an asynchronous skill invocation in status submitted.
func (e Engine) CreateTask(ctx context.Context, skillID string, input json.RawMessage) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if _, ok := e.Config.SkillByID(skillID); !ok {
		return domain.Task{}, fmt.Errorf("skill %s: %w", skillID, repo.ErrNotFound)
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        uuid.NewString(),
		SkillID:   skillID,
		Status:    "submitted",
		InputJSON: string(input),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ExecuteTask runs a submitted task's skill and transitions it exactly
// once. Executing a task that is not in submitted (including re-executing a
// completed one) fails with ErrInvalidTransition, matching the version
// approval pattern. Skill failures land in the task as status failed; the
// call itself succeeds and returns the task.
func (e Engine) ExecuteTask(ctx context.Context, taskID, origin string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.UpdateTaskStatusIf(ctx, nil, t.ID, "submitted", "working", now)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return t, fmt.Errorf("execute task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
	}

	result, skillErr := e.ExecuteSkill(ctx, t.SkillID, json.RawMessage(t.InputJSON), origin)
	finished := e.now().UTC().Format(time.RFC3339)
	if skillErr != nil {
		msg := skillErr.Error()
		if err := e.Repo.FinishTask(ctx, t.ID, "failed", nil, &msg, finished); err != nil {
			return domain.Task{}, err
		}
		return e.Repo.GetTask(ctx, t.ID)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return domain.Task{}, err
	}
	outStr := string(out)
	if err := e.Repo.FinishTask(ctx, t.ID, "completed", &outStr, nil, finished); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, t.ID)
}

// GetTask is read-only and side-effect free for any task state.
func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}
