package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/allproxy/internal/controller"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

type Service interface {
	Health(ctx context.Context) controller.Health
	ListConfigs(ctx context.Context, protocol string) ([]proxyconfig.ProxyConfig, error)
	ReplaceConfigs(ctx context.Context, cfgs []*proxyconfig.ProxyConfig) ([]proxyconfig.ProxyConfig, error)
	ProbeConfigs(ctx context.Context) []proxyconfig.ProxyConfig
	Ports(ctx context.Context) observer.PortConfig
	Resend(ctx context.Context, req message.ResendRequest) error
	Recent(ctx context.Context, limit int, protocol string) ([]storage.Record, error)
}

// Streams are the long-lived endpoints mounted beside the REST operations.
// Nil handlers are left unmounted.
type Streams struct {
	Observers http.Handler
	Events    http.Handler
	FeedNames func() []string
}

func NewServer(svc Service, streams Streams) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("allproxy Console API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		data := eventsDocsData{Host: r.Host}
		if streams.FeedNames != nil {
			data.Feeds = streams.FeedNames()
		}
		w.Header().Set("Content-Type", "text/html")
		if err := eventsDocsTmpl.Execute(w, data); err != nil {
			slog.Debug("events docs render failed", "error", err)
		}
	})
	if streams.Observers != nil {
		router.Handle("/ws", streams.Observers)
	}
	if streams.Events != nil {
		router.Handle("/api/v1/events", streams.Events)
	}

	registerConfigHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *proxyconfig.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case proxyconfig.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case proxyconfig.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case proxyconfig.CodeSandbox:
			return huma.Error403Forbidden(coded.Message)
		case proxyconfig.CodeUnreachable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
