package domain

type Organization struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Slug      string  `json:"slug"`
	ParentID  *string `json:"parent_id,omitempty"`
	IsRoot    bool    `json:"is_root"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID         string   `json:"id"`
	OrgID      string   `json:"org_id"`
	AgentID    string   `json:"agent_id"`
	Name       string   `json:"name,omitempty"`
	OwnerTeam  string   `json:"owner_team"`
	Status     string   `json:"status" enum:"draft,pending_approval,approved,rejected"`
	Tools      []string `json:"tools,omitempty"`
	DataScopes []string `json:"data_scopes,omitempty"`
	HandlesPII bool     `json:"handles_pii"`
	Regulatory []string `json:"regulatory,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type ContentItem struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind" enum:"context,prompt"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	LineOfBusiness  string   `json:"line_of_business,omitempty"`
	Classification  string   `json:"classification,omitempty"`
	Regulatory      []string `json:"regulatory,omitempty"`
	Active          bool     `json:"active"`
	OrgID           *string  `json:"org_id,omitempty"`
	ActiveVersionID *string  `json:"active_version_id,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

type Version struct {
	ID            string  `json:"id"`
	ItemID        string  `json:"item_id"`
	Label         int     `json:"label"`
	PayloadJSON   string  `json:"payload_json"`
	ContentHash   string  `json:"content_hash"`
	Status        string  `json:"status" enum:"draft,proposed,approved,rejected,archived"`
	Author        string  `json:"author"`
	Approver      *string `json:"approver,omitempty"`
	CommitMessage string  `json:"commit_message,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ApprovedAt    *string `json:"approved_at,omitempty" format:"date-time"`
}

// AccessEntry is one append-only audit ledger row. Entries are never
// updated or deleted; the ledger is the source of truth for lineage.
type AccessEntry struct {
	ID           int64   `json:"id"`
	TS           string  `json:"ts" format:"date-time"`
	AgentID      string  `json:"agent_id"`
	TraceID      string  `json:"trace_id"`
	ResourceKind string  `json:"resource_kind"`
	ResourceID   string  `json:"resource_id,omitempty"`
	ResourceName string  `json:"resource_name"`
	VersionID    *string `json:"version_id,omitempty"`
	Outcome      string  `json:"outcome" enum:"delivered,denied"`
	Reason       string  `json:"reason,omitempty"`
	Origin       string  `json:"origin,omitempty"`
}

type Task struct {
	ID         string  `json:"id"`
	SkillID    string  `json:"skill_id"`
	Status     string  `json:"status" enum:"submitted,working,completed,failed"`
	InputJSON  string  `json:"input_json,omitempty"`
	OutputJSON *string `json:"output_json,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
