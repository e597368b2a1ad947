package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/allproxy/internal/controller"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

type resendBody struct {
	Method    string            `json:"method,omitempty" doc:"Defaults to GET."`
	URL       string            `json:"url" doc:"Absolute URL of the captured request."`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	BodyEdits map[string]any    `json:"bodyEdits,omitempty" doc:"gjson paths to replacement values, applied to a JSON body."`
	Forward   bool              `json:"forward,omitempty" doc:"Send through the forward proxy path."`
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body controller.Health
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			return &healthOutput{Body: svc.Health(ctx)}, nil
		})

	type portsOutput struct {
		Body observer.PortConfig
	}
	huma.Register(api, huma.Operation{OperationID: "get-ports", Method: http.MethodGet, Path: "/api/v1/ports", Summary: "Listener layout", Tags: []string{"Proxy"}},
		func(ctx context.Context, input *struct{}) (*portsOutput, error) {
			return &portsOutput{Body: svc.Ports(ctx)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resend", Method: http.MethodPost, Path: "/api/v1/resend", Summary: "Replay a captured request through the proxy", Tags: []string{"Proxy"}},
		func(ctx context.Context, input *struct {
			Body resendBody
		}) (*statusOutput, error) {
			err := svc.Resend(ctx, message.ResendRequest{
				Method:    input.Body.Method,
				URL:       input.Body.URL,
				Headers:   input.Body.Headers,
				Body:      input.Body.Body,
				BodyEdits: input.Body.BodyEdits,
				Forward:   input.Body.Forward,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "sent"
			return out, nil
		})

	type archiveOutput struct {
		Body struct {
			Records []storage.Record `json:"records"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-archive", Method: http.MethodGet, Path: "/api/v1/archive", Summary: "Recently archived exchanges", Tags: []string{"Archive"}},
		func(ctx context.Context, input *struct {
			Limit    int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
			Protocol string `query:"protocol"`
		}) (*archiveOutput, error) {
			records, err := svc.Recent(ctx, input.Limit, input.Protocol)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &archiveOutput{}
			out.Body.Records = records
			if out.Body.Records == nil {
				out.Body.Records = []storage.Record{}
			}
			return out, nil
		})
}
