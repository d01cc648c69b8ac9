package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"contextline/internal/engine"
)

type injectOutput struct {
	ContentType    string `header:"Content-Type"`
	ContentItem    string `header:"X-Content-Item"`
	ContentItemID  string `header:"X-Content-Item-Id"`
	ContentVersion string `header:"X-Content-Version"`
	TraceID        string `header:"X-Trace-Id"`
	Body           []byte
}

func injectOutputFrom(d engine.Delivery) *injectOutput {
	return &injectOutput{
		ContentType:    d.ContentType,
		ContentItem:    d.Item.Name,
		ContentItemID:  d.Item.ID,
		ContentVersion: strconv.Itoa(d.Version.Label),
		TraceID:        d.TraceID,
		Body:           d.Body,
	}
}

// registerInject exposes the delivery gateway. Identity travels in headers,
// not credentials: the policy engine decides, and every decision past
// resolution lands in the access ledger.
func registerInject(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "inject-get",
		Method:      http.MethodGet,
		Path:        "/inject/{identifier}",
		Summary:     "Deliver the active version of a content item",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `path:"identifier"`
		AgentID    string `header:"X-Agent-Id"`
		TraceID    string `header:"X-Trace-Id"`
		Format     string `query:"format"`
	}) (*injectOutput, error) {
		d, err := e.Deliver(ctx, engine.DeliverOptions{
			Identifier: input.Identifier,
			AgentID:    input.AgentID,
			TraceID:    input.TraceID,
			Format:     input.Format,
			Origin:     "inject",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return injectOutputFrom(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inject-post",
		Method:      http.MethodPost,
		Path:        "/inject/{identifier}",
		Summary:     "Deliver the active version with variables and overrides",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string        `path:"identifier"`
		AgentID    string        `header:"X-Agent-Id"`
		TraceID    string        `header:"X-Trace-Id"`
		Body       InjectRequest `json:"body" required:"false"`
	}) (*injectOutput, error) {
		d, err := e.Deliver(ctx, engine.DeliverOptions{
			Identifier: input.Identifier,
			AgentID:    input.AgentID,
			TraceID:    input.TraceID,
			Variables:  input.Body.Variables,
			Overrides:  input.Body.Overrides,
			Format:     input.Body.Format,
			Origin:     "inject",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return injectOutputFrom(d), nil
	})
}
