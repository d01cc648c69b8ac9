package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"contextline/internal/domain"
	"contextline/internal/engine"
	"contextline/internal/repo"
)

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		if input.Body.Slug == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "slug is required", nil)
		}
		o, err := e.CreateOrg(ctx, input.Body.Slug, input.Body.Name, input.Body.ParentSlug)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List organizations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Organization `json:"body"`
	}, error) {
		orgs, err := e.Repo.ListOrgs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Organization `json:"body"`
		}{Body: orgs}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create content item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.ContentItem `json:"body"`
	}, error) {
		it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
			Kind:           input.Body.Kind,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			LineOfBusiness: input.Body.LineOfBusiness,
			Classification: input.Body.Classification,
			Regulatory:     input.Body.Regulatory,
			OrgSlug:        input.Body.OrgSlug,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List content items",
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.ContentItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{Kind: input.Kind, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ContentItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{identifier}",
		Summary:     "Get content item by id or name",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
	}) (*struct {
		Body domain.ContentItem `json:"body"`
	}, error) {
		it, err := e.Repo.ResolveItem(ctx, input.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-active",
		Method:      http.MethodPatch,
		Path:        "/items/{identifier}/active",
		Summary:     "Activate or deactivate a content item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
		Body       struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body domain.ContentItem `json:"body"`
	}, error) {
		it, err := e.SetItemActive(ctx, input.Identifier, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentItem `json:"body"`
		}{Body: it}, nil
	})
}

func registerVersions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-version",
		Method:        http.MethodPost,
		Path:          "/items/{identifier}/versions",
		Summary:       "Propose a new content version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string                `path:"identifier"`
		Body       ProposeVersionRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		if len(input.Body.Payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload is required", nil)
		}
		v, err := e.ProposeVersion(ctx, input.Identifier, string(input.Body.Payload), input.Body.Author, input.Body.CommitMessage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/items/{identifier}/versions",
		Summary:     "List versions in ascending label order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
	}) (*struct {
		Body []domain.Version `json:"body"`
	}, error) {
		it, err := e.Repo.ResolveItem(ctx, input.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		versions, err := e.Repo.ListVersions(ctx, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Version `json:"body"`
		}{Body: versions}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-version",
		Method:      http.MethodGet,
		Path:        "/items/{identifier}/versions/active",
		Summary:     "Get the approved active version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.ActiveVersion(ctx, input.Identifier)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/versions/{version_id}",
		Summary:     "Get a version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.Repo.GetVersion(ctx, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/approve",
		Summary:     "Approve a proposed version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		VersionID string          `path:"version_id"`
		Body      ApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.ApproveVersion(ctx, input.VersionID, actorFor(ctx, input.Body.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-version",
		Method:      http.MethodPost,
		Path:        "/versions/{version_id}/reject",
		Summary:     "Reject a proposed version",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		VersionID string          `path:"version_id"`
		Body      ApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Version `json:"body"`
	}, error) {
		v, err := e.RejectVersion(ctx, input.VersionID, actorFor(ctx, input.Body.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Version `json:"body"`
		}{Body: v}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent (draft)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			AgentID:    input.Body.AgentID,
			Name:       input.Body.Name,
			OrgSlug:    input.Body.OrgSlug,
			OwnerTeam:  input.Body.OwnerTeam,
			Tools:      input.Body.Tools,
			DataScopes: input.Body.DataScopes,
			HandlesPII: input.Body.HandlesPII,
			Regulatory: input.Body.Regulatory,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		OwnerTeam string `query:"owner_team"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{Status: input.Status, OwnerTeam: input.OwnerTeam, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: agents}, nil
	})

	type agentPath struct {
		AgentID string `path:"agent_id"`
	}
	transition := func(opID, pathSuffix, summary string, fn func(context.Context, string) (domain.Agent, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/agents/{agent_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *agentPath) (*struct {
			Body domain.Agent `json:"body"`
		}, error) {
			a, err := resolveAgentID(ctx, e, input.AgentID)
			if err != nil {
				return nil, handleError(err)
			}
			out, err := fn(ctx, a)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Agent `json:"body"`
			}{Body: out}, nil
		})
	}
	transition("submit-agent", "submit", "Submit an agent for approval", e.SubmitAgent)
	transition("approve-agent", "approve", "Approve a pending agent", e.ApproveAgent)
	transition("reject-agent", "reject", "Reject a pending agent", e.RejectAgent)

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if errors.Is(err, repo.ErrNotFound) {
			a, err = e.Repo.GetAgentByExternalID(ctx, input.AgentID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: a}, nil
	})
}

// actorFor prefers the explicit body actor and falls back to the
// authenticated principal.
func actorFor(ctx context.Context, bodyActor string) string {
	if actor := strings.TrimSpace(bodyActor); actor != "" {
		return actor
	}
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID
	}
	return ""
}

// resolveAgentID accepts either the internal id or the external agent_id.
func resolveAgentID(ctx context.Context, e engine.Engine, identifier string) (string, error) {
	if _, err := e.Repo.GetAgent(ctx, identifier); err == nil {
		return identifier, nil
	}
	a, err := e.Repo.GetAgentByExternalID(ctx, identifier)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recent-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Recent access ledger entries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.AccessEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.RecentAccess(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AccessEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-audit",
		Method:      http.MethodGet,
		Path:        "/audit/agents/{agent_id}",
		Summary:     "Access lineage for one agent, in request order",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.AccessEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.AccessByAgent(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AccessEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trace-audit",
		Method:      http.MethodGet,
		Path:        "/audit/traces/{trace_id}",
		Summary:     "Ledger entries for one trace",
	}, func(ctx context.Context, input *struct {
		TraceID string `path:"trace_id"`
	}) (*struct {
		Body []domain.AccessEntry `json:"body"`
	}, error) {
		entries, err := e.Repo.AccessByTrace(ctx, input.TraceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AccessEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an admin API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw, key, err := repo.NewAPIKey(input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List admin API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an admin API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
