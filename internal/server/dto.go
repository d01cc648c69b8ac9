package server

import "encoding/json"

type CreateOrgRequest struct {
	Slug       string `json:"slug"`
	Name       string `json:"name,omitempty"`
	ParentSlug string `json:"parent_slug,omitempty"`
}

type CreateItemRequest struct {
	Kind           string   `json:"kind" enum:"context,prompt"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	LineOfBusiness string   `json:"line_of_business,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Regulatory     []string `json:"regulatory,omitempty"`
	OrgSlug        string   `json:"org_slug,omitempty"`
}

type ProposeVersionRequest struct {
	Payload       json.RawMessage `json:"payload"`
	Author        string          `json:"author"`
	CommitMessage string          `json:"commit_message,omitempty"`
}

type ApprovalRequest struct {
	Actor string `json:"actor"`
}

type RegisterAgentRequest struct {
	AgentID    string   `json:"agent_id"`
	Name       string   `json:"name,omitempty"`
	OrgSlug    string   `json:"org_slug,omitempty"`
	OwnerTeam  string   `json:"owner_team"`
	Tools      []string `json:"tools,omitempty"`
	DataScopes []string `json:"data_scopes,omitempty"`
	HandlesPII bool     `json:"handles_pii,omitempty"`
	Regulatory []string `json:"regulatory,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once at creation; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type InjectRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
	Overrides map[string]any    `json:"overrides,omitempty"`
	Format    string            `json:"format,omitempty" enum:"structured,text,key-value"`
}
