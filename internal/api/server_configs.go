package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

type configsOutput struct {
	Body struct {
		Configs []proxyconfig.ProxyConfig `json:"configs"`
	}
}

func newConfigsOutput(cfgs []proxyconfig.ProxyConfig) *configsOutput {
	out := &configsOutput{}
	out.Body.Configs = cfgs
	if out.Body.Configs == nil {
		out.Body.Configs = []proxyconfig.ProxyConfig{}
	}
	return out
}

// decodeConfigs accepts a bare rule list or the {"configs": [...]} file shape.
func decodeConfigs(raw []byte) ([]*proxyconfig.ProxyConfig, error) {
	var cfgs []*proxyconfig.ProxyConfig
	if err := json.Unmarshal(raw, &cfgs); err == nil {
		return cfgs, nil
	}
	var file proxyconfig.File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "body must be a rule list or {\"configs\": [...]}", err)
	}
	return file.Configs, nil
}

func registerConfigHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "list-configs", Method: http.MethodGet, Path: "/api/v1/configs", Summary: "List active proxy rules", Tags: []string{"Configs"}},
		func(ctx context.Context, input *struct {
			Protocol string `query:"protocol" doc:"Only rules of this protocol, e.g. https or redis."`
		}) (*configsOutput, error) {
			cfgs, err := svc.ListConfigs(ctx, input.Protocol)
			if err != nil {
				return nil, mapErr(err)
			}
			return newConfigsOutput(cfgs), nil
		})

	huma.Register(api, huma.Operation{OperationID: "replace-configs", Method: http.MethodPut, Path: "/api/v1/configs", Summary: "Replace the console-owned proxy rules", Tags: []string{"Configs"}},
		func(ctx context.Context, input *struct {
			RawBody []byte `contentType:"application/json"`
		}) (*configsOutput, error) {
			cfgs, err := decodeConfigs(input.RawBody)
			if err != nil {
				return nil, mapErr(err)
			}
			current, err := svc.ReplaceConfigs(ctx, cfgs)
			if err != nil {
				return nil, mapErr(err)
			}
			return newConfigsOutput(current), nil
		})

	huma.Register(api, huma.Operation{OperationID: "probe-configs", Method: http.MethodPost, Path: "/api/v1/configs/probe", Summary: "Re-check which rule targets are reachable", Tags: []string{"Configs"}},
		func(ctx context.Context, input *struct{}) (*configsOutput, error) {
			return newConfigsOutput(svc.ProbeConfigs(ctx)), nil
		})
}
