package handlers

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/seomatic-meta/internal/platform/httpx"
	"finitefield.org/seomatic-meta/internal/platform/requestctx"
	"finitefield.org/seomatic-meta/internal/seomatic"
)

const (
	metadataPathParam     = "path"
	defaultResolveTimeout = 10 * time.Second
)

// MetadataResolver resolves the head metadata for a route.
type MetadataResolver interface {
	Resolve(ctx context.Context, route string) (seomatic.Bundle, error)
}

// HeadRenderer renders a bundle into a head fragment.
type HeadRenderer interface {
	Render(b seomatic.Bundle) (template.HTML, error)
}

// MetadataHandlers serves resolved metadata as JSON and as an HTML fragment.
type MetadataHandlers struct {
	resolver MetadataResolver
	renderer HeadRenderer
	timeout  time.Duration
}

// MetadataOption customises MetadataHandlers.
type MetadataOption func(*MetadataHandlers)

// WithResolveTimeout bounds each resolution. Non-positive values keep the default.
func WithResolveTimeout(d time.Duration) MetadataOption {
	return func(h *MetadataHandlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHeadRenderer sets the renderer behind /head. Without one the route answers 501.
func WithHeadRenderer(r HeadRenderer) MetadataOption {
	return func(h *MetadataHandlers) {
		h.renderer = r
	}
}

// NewMetadataHandlers wires the handlers around resolver.
func NewMetadataHandlers(resolver MetadataResolver, opts ...MetadataOption) *MetadataHandlers {
	h := &MetadataHandlers{
		resolver: resolver,
		timeout:  defaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers GET /metadata and GET /head.
func (h *MetadataHandlers) Routes(r chi.Router) {
	r.Get("/metadata", h.getMetadata)
	r.Get("/head", h.getHead)
}

func (h *MetadataHandlers) getMetadata(w http.ResponseWriter, r *http.Request) {
	bundle, ok := h.resolve(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

func (h *MetadataHandlers) getHead(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_implemented", "head rendering is not configured", http.StatusNotImplemented))
		return
	}
	bundle, ok := h.resolve(w, r)
	if !ok {
		return
	}
	fragment, err := h.renderer.Render(bundle)
	if err != nil {
		requestctx.Logger(r.Context()).Error("render head failed", zap.Error(err))
		httpx.WriteError(r.Context(), w, httpx.NewError("render_failed", "unable to render head metadata", http.StatusInternalServerError))
		return
	}
	httpx.WriteHTML(w, http.StatusOK, string(fragment))
}

func (h *MetadataHandlers) resolve(w http.ResponseWriter, r *http.Request) (seomatic.Bundle, bool) {
	ctx := r.Context()
	route := strings.TrimSpace(r.URL.Query().Get(metadataPathParam))
	if route == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_path", "path query parameter is required", http.StatusBadRequest))
		return seomatic.Bundle{}, false
	}
	if h.resolver == nil {
		writeResolveError(ctx, w, route, &seomatic.Error{Code: seomatic.ErrorClientUnavailable, Route: route, Message: "metadata resolver not configured"})
		return seomatic.Bundle{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	bundle, err := h.resolver.Resolve(requestctx.WithRoute(ctx, route), route)
	if err != nil {
		writeResolveError(r.Context(), w, route, err)
		return seomatic.Bundle{}, false
	}
	return bundle, true
}

func writeResolveError(ctx context.Context, w http.ResponseWriter, route string, err error) {
	code := string(seomatic.CodeOf(err))
	status := statusForCode(seomatic.CodeOf(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code, status = "resolve_timeout", http.StatusGatewayTimeout
	case code == "":
		code = "internal_error"
	}

	message := err.Error()
	var resolveErr *seomatic.Error
	if errors.As(err, &resolveErr) && resolveErr.Message != "" {
		message = resolveErr.Message
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status).
		WithDetails(map[string]any{"route": route}))
}

func statusForCode(code seomatic.ErrorCode) int {
	switch code {
	case seomatic.ErrorClientUnavailable, seomatic.ErrorMissingBackendURL, seomatic.ErrorMissingGraphQLPath:
		return http.StatusServiceUnavailable
	case seomatic.ErrorBackendAuth, seomatic.ErrorBackendRequest, seomatic.ErrorBackendQuery, seomatic.ErrorMalformedBackendResponse:
		return http.StatusBadGateway
	case seomatic.ErrorEmptyBackendResponse:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
