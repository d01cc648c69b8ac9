package contextlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Contextline client covering the agent-facing surface:
// the inject gateway and the JSON-RPC endpoint.
type Client struct {
	BaseURL string
	// AgentID and TraceID travel as identity headers on inject calls.
	AgentID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Delivery is a rendered gateway response.
type Delivery struct {
	Body        []byte
	ContentType string
	ItemName    string
	ItemID      string
	Version     string
	TraceID     string
}

// Task represents the API task model.
type Task struct {
	ID         string  `json:"id"`
	SkillID    string  `json:"skill_id"`
	Status     string  `json:"status"`
	OutputJSON *string `json:"output_json,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// SkillResult is the result payload of content skills.
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

// AgentCard is the published capability card.
type AgentCard struct {
	ProtocolVersion string `json:"protocolVersion"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	URL             string `json:"url,omitempty"`
	Skills          []struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Tags        []string `json:"tags,omitempty"`
	} `json:"skills"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RPCError is a JSON-RPC envelope error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InjectOptions tune a gateway delivery.
type InjectOptions struct {
	Variables map[string]string `json:"variables,omitempty"`
	Overrides map[string]any    `json:"overrides,omitempty"`
	Format    string            `json:"format,omitempty"`
}

// Inject fetches the active version of a content item through the gateway.
func (c *Client) Inject(ctx context.Context, item, traceID string, opts *InjectOptions) (Delivery, error) {
	endpoint := fmt.Sprintf("v0/inject/%s", url.PathEscape(item))
	method := http.MethodGet
	var body io.Reader
	if opts != nil {
		method = http.MethodPost
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(opts); err != nil {
			return Delivery{}, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+endpoint, body)
	if err != nil {
		return Delivery{}, err
	}
	req.Header.Set("X-Agent-Id", c.AgentID)
	req.Header.Set("X-Trace-Id", traceID)
	if opts != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Delivery{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Delivery{}, err
	}
	if resp.StatusCode >= 300 {
		return Delivery{}, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return Delivery{
		Body:        raw,
		ContentType: resp.Header.Get("Content-Type"),
		ItemName:    resp.Header.Get("X-Content-Item"),
		ItemID:      resp.Header.Get("X-Content-Item-Id"),
		Version:     resp.Header.Get("X-Content-Version"),
		TraceID:     resp.Header.Get("X-Trace-Id"),
	}, nil
}

// Card fetches the capability card from the discovery path.
func (c *Client) Card(ctx context.Context) (AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/.well-known/agent.json", nil)
	if err != nil {
		return AgentCard{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return AgentCard{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return AgentCard{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var card AgentCard
	err = json.NewDecoder(resp.Body).Decode(&card)
	return card, err
}

// ExecuteSkill runs a skill synchronously over JSON-RPC.
func (c *Client) ExecuteSkill(ctx context.Context, skill string, input any) (SkillResult, error) {
	var result SkillResult
	err := c.Call(ctx, "skills/execute", map[string]any{"skill": skill, "input": input}, &result)
	return result, err
}

// CreateTask submits an asynchronous skill invocation.
func (c *Client) CreateTask(ctx context.Context, skill string, input any) (Task, error) {
	var t Task
	err := c.Call(ctx, "tasks/create", map[string]any{"skill": skill, "input": input}, &t)
	return t, err
}

// ExecuteTask runs a submitted task.
func (c *Client) ExecuteTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := c.Call(ctx, "tasks/execute", map[string]any{"task_id": taskID}, &t)
	return t, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := c.Call(ctx, "tasks/get", map[string]any{"task_id": taskID}, &t)
	return t, err
}

// Call performs a raw JSON-RPC invocation against the a2a endpoint.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v0/a2a", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil && len(envelope.Result) > 0 {
		return json.Unmarshal(envelope.Result, out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
