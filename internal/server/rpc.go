package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"contextline/internal/engine"
	"contextline/internal/engine/policy"
	"contextline/internal/repo"
)

// JSON-RPC 2.0 error codes, plus domain codes in the server-defined range.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603

	rpcNotFound          = 1001
	rpcInvalidTransition = 1002
	rpcPolicyDenied      = 1003
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type skillExecuteParams struct {
	Skill string          `json:"skill"`
	Input json.RawMessage `json:"input"`
}

type taskCreateParams struct {
	Skill string          `json:"skill"`
	Input json.RawMessage `json:"input"`
}

type taskRefParams struct {
	TaskID string `json:"task_id"`
}

// messageSendParams is the conversational form of skill execution: a single
// text part naming the item, resolved as get_context by default.
type messageSendParams struct {
	Message struct {
		Parts []struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"message"`
	AgentID string `json:"agent_id"`
	TraceID string `json:"trace_id"`
}

// registerRPC mounts the agent-to-agent endpoint. Protocol errors travel in
// the JSON-RPC envelope, so the transport always answers 200 once the
// request reaches the handler.
func registerRPC(r chi.Router, basePath string, e engine.Engine) {
	r.Post(path.Join(basePath, "a2a"), func(w http.ResponseWriter, req *http.Request) {
		var rpc rpcRequest
		if err := json.NewDecoder(req.Body).Decode(&rpc); err != nil {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
			return
		}
		if rpc.JSONRPC != "2.0" || rpc.Method == "" {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: rpc.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: rpc.ID}
		result, rerr := dispatchRPC(req, e, rpc.Method, rpc.Params)
		if rerr != nil {
			resp.Error = rerr
		} else {
			resp.Result = result
		}
		writeRPC(w, resp)
	})
}

func dispatchRPC(req *http.Request, e engine.Engine, method string, params json.RawMessage) (any, *rpcError) {
	ctx := req.Context()
	switch method {
	case "card/get":
		return buildCard(e), nil
	case "skills/list":
		if e.Config == nil {
			return nil, &rpcError{Code: rpcInternalError, Message: "config not loaded"}
		}
		return map[string]any{"skills": e.Config.Card.Skills}, nil
	case "skills/execute":
		var p skillExecuteParams
		if err := json.Unmarshal(params, &p); err != nil || p.Skill == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "skill is required"}
		}
		result, err := e.ExecuteSkill(ctx, p.Skill, p.Input, "a2a")
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return result, nil
	case "message/send":
		var p messageSendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid params"}
		}
		name := firstTextPart(p)
		if name == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "message must contain a text part naming the item"}
		}
		input, _ := json.Marshal(engine.SkillInput{Name: name, AgentID: p.AgentID, TraceID: p.TraceID})
		result, err := e.ExecuteSkill(ctx, "get_context", input, "a2a")
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return result, nil
	case "tasks/create":
		var p taskCreateParams
		if err := json.Unmarshal(params, &p); err != nil || p.Skill == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "skill is required"}
		}
		t, err := e.CreateTask(ctx, p.Skill, p.Input)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return t, nil
	case "tasks/execute":
		var p taskRefParams
		if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "task_id is required"}
		}
		t, err := e.ExecuteTask(ctx, p.TaskID, "a2a")
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return t, nil
	case "tasks/get":
		var p taskRefParams
		if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "task_id is required"}
		}
		t, err := e.GetTask(ctx, p.TaskID)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return t, nil
	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + method}
	}
}

func firstTextPart(p messageSendParams) string {
	for _, part := range p.Message.Parts {
		if part.Kind == "text" && strings.TrimSpace(part.Text) != "" {
			return strings.TrimSpace(part.Text)
		}
	}
	return ""
}

func rpcErrorFor(err error) *rpcError {
	var denied policy.DeniedError
	if errors.As(err, &denied) {
		return &rpcError{Code: rpcPolicyDenied, Message: denied.Reason}
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return &rpcError{Code: rpcInvalidTransition, Message: err.Error()}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return &rpcError{Code: rpcNotFound, Message: err.Error()}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid") || strings.Contains(msg, "required") || strings.Contains(msg, "missing") {
		return &rpcError{Code: rpcInvalidParams, Message: err.Error()}
	}
	return &rpcError{Code: rpcInternalError, Message: "internal error"}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

type cardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type agentCard struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	URL             string      `json:"url,omitempty"`
	Skills          []cardSkill `json:"skills"`
}

func buildCard(e engine.Engine) agentCard {
	card := agentCard{Skills: []cardSkill{}}
	if e.Config == nil {
		return card
	}
	card.ProtocolVersion = e.Config.Card.ProtocolVersion
	card.Name = e.Config.Service.Name
	card.Description = e.Config.Service.Description
	card.URL = e.Config.Service.URL
	for _, s := range e.Config.Card.Skills {
		card.Skills = append(card.Skills, cardSkill{ID: s.ID, Name: s.Name, Description: s.Description, Tags: s.Tags})
	}
	return card
}

// registerCard serves the capability card at the discovery path.
func registerCard(r chi.Router, e engine.Engine) {
	r.Get("/.well-known/agent.json", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(buildCard(e))
	})
}
