package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"finitefield.org/seomatic-meta/internal/head"
	"finitefield.org/seomatic-meta/internal/seomatic"
)

type stubResolver struct {
	bundle seomatic.Bundle
	err    error
	routes []string
	wait   bool
}

func (s *stubResolver) Resolve(ctx context.Context, route string) (seomatic.Bundle, error) {
	s.routes = append(s.routes, route)
	if s.wait {
		<-ctx.Done()
		return seomatic.Bundle{}, &seomatic.Error{Code: seomatic.ErrorBackendRequest, Route: route, Message: "backend request failed", Err: ctx.Err()}
	}
	return s.bundle, s.err
}

type failingRenderer struct{}

func (failingRenderer) Render(seomatic.Bundle) (template.HTML, error) {
	return "", errors.New("boom")
}

func sampleBundle() seomatic.Bundle {
	return seomatic.Bundle{
		Title: "Home | Example",
		Meta: []seomatic.Object{seomatic.NewObject(
			seomatic.Member{Key: "name", Value: json.RawMessage(`"description"`)},
			seomatic.Member{Key: "content", Value: json.RawMessage(`"Welcome & hello"`)},
		)},
		Link: []seomatic.Object{seomatic.NewObject(
			seomatic.Member{Key: "rel", Value: json.RawMessage(`"canonical"`)},
			seomatic.Member{Key: "href", Value: json.RawMessage(`"https://example.com/"`)},
		)},
		Script: []seomatic.Script{
			{Type: seomatic.JSONLDType, InnerHTML: `{"@type":"WebSite","name":"<Example>"}`},
		},
		DisableSanitizers: []string{seomatic.SanitizerScript},
	}
}

func newMetadataRouter(resolver MetadataResolver, opts ...MetadataOption) http.Handler {
	return NewRouter(WithMetadataRoutes(NewMetadataHandlers(resolver, opts...).Routes))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestMetadataHandlers_GetMetadata(t *testing.T) {
	resolver := &stubResolver{bundle: sampleBundle()}
	router := newMetadataRouter(resolver)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata?path=%2Fnews%2Farticle", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(resolver.routes) != 1 || resolver.routes[0] != "/news/article" {
		t.Fatalf("unexpected resolved routes %v", resolver.routes)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type %s", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"name":"<Example>"`) {
		t.Fatalf("expected JSON-LD without html escaping, got %s", body)
	}
	if !strings.Contains(body, `"Welcome & hello"`) {
		t.Fatalf("expected ampersand left unescaped, got %s", body)
	}
	decoded := decodeBody(t, rr)
	if decoded["title"] != "Home | Example" {
		t.Fatalf("unexpected title %v", decoded["title"])
	}
	sanitizers, _ := decoded["__dangerouslyDisableSanitizers"].([]any)
	if len(sanitizers) != 1 || sanitizers[0] != "script" {
		t.Fatalf("unexpected sanitizer list %v", decoded["__dangerouslyDisableSanitizers"])
	}
}

func TestMetadataHandlers_MissingPath(t *testing.T) {
	resolver := &stubResolver{}
	router := newMetadataRouter(resolver)

	for _, target := range []string{"/api/v1/metadata", "/api/v1/metadata?path=%20%20"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", target, rr.Code)
		}
		if body := decodeBody(t, rr); body["error"] != "invalid_path" {
			t.Fatalf("%s: expected invalid_path, got %v", target, body["error"])
		}
	}
	if len(resolver.routes) != 0 {
		t.Fatalf("resolver must not be called without a path, got %v", resolver.routes)
	}
}

func TestMetadataHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		code   seomatic.ErrorCode
		status int
	}{
		{seomatic.ErrorClientUnavailable, http.StatusServiceUnavailable},
		{seomatic.ErrorMissingBackendURL, http.StatusServiceUnavailable},
		{seomatic.ErrorMissingGraphQLPath, http.StatusServiceUnavailable},
		{seomatic.ErrorBackendAuth, http.StatusBadGateway},
		{seomatic.ErrorBackendRequest, http.StatusBadGateway},
		{seomatic.ErrorBackendQuery, http.StatusBadGateway},
		{seomatic.ErrorMalformedBackendResponse, http.StatusBadGateway},
		{seomatic.ErrorEmptyBackendResponse, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			resolver := &stubResolver{err: &seomatic.Error{
				Op:      "seomatic",
				Code:    tc.code,
				Route:   "/about",
				Message: fmt.Sprintf("%s happened", tc.code),
			}}
			rr := httptest.NewRecorder()
			newMetadataRouter(resolver).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata?path=/about", nil))

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error"] != string(tc.code) {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if body["message"] != fmt.Sprintf("%s happened", tc.code) {
				t.Fatalf("unexpected message %v", body["message"])
			}
			if body["route"] != "/about" {
				t.Fatalf("expected route detail, got %v", body["route"])
			}
		})
	}
}

func TestMetadataHandlers_UncodedError(t *testing.T) {
	resolver := &stubResolver{err: errors.New("unexpected")}
	rr := httptest.NewRecorder()
	newMetadataRouter(resolver).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata?path=/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "internal_error" {
		t.Fatalf("expected internal_error, got %v", body["error"])
	}
}

func TestMetadataHandlers_Timeout(t *testing.T) {
	resolver := &stubResolver{wait: true}
	router := newMetadataRouter(resolver, WithResolveTimeout(10*time.Millisecond))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata?path=/slow", nil))

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "resolve_timeout" {
		t.Fatalf("expected resolve_timeout, got %v", body["error"])
	}
}

func TestMetadataHandlers_NilResolver(t *testing.T) {
	rr := httptest.NewRecorder()
	newMetadataRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/metadata?path=/", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != string(seomatic.ErrorClientUnavailable) {
		t.Fatalf("expected client_unavailable, got %v", body["error"])
	}
}

func TestMetadataHandlers_GetHead(t *testing.T) {
	resolver := &stubResolver{bundle: sampleBundle()}
	router := newMetadataRouter(resolver, WithHeadRenderer(head.NewRenderer()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/head?path=/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %s", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"<title>Home | Example</title>",
		`<link rel="canonical" href="https://example.com/">`,
		`<script type="application/ld+json">{"@type":"WebSite","name":"<Example>"}</script>`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in fragment:\n%s", want, body)
		}
	}
	if strings.Index(body, "<title>") > strings.Index(body, "<meta") {
		t.Fatalf("expected title before meta:\n%s", body)
	}
}

func TestMetadataHandlers_GetHeadErrors(t *testing.T) {
	t.Run("no renderer", func(t *testing.T) {
		resolver := &stubResolver{bundle: sampleBundle()}
		rr := httptest.NewRecorder()
		newMetadataRouter(resolver).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/head?path=/", nil))

		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501, got %d", rr.Code)
		}
		if len(resolver.routes) != 0 {
			t.Fatalf("resolver must not run without a renderer")
		}
	})

	t.Run("render failure", func(t *testing.T) {
		rr := httptest.NewRecorder()
		newMetadataRouter(&stubResolver{bundle: sampleBundle()}, WithHeadRenderer(failingRenderer{})).
			ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/head?path=/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rr.Code)
		}
		if body := decodeBody(t, rr); body["error"] != "render_failed" {
			t.Fatalf("expected render_failed, got %v", body["error"])
		}
	})

	t.Run("resolve failure", func(t *testing.T) {
		resolver := &stubResolver{err: &seomatic.Error{Code: seomatic.ErrorEmptyBackendResponse, Message: "no data"}}
		rr := httptest.NewRecorder()
		newMetadataRouter(resolver, WithHeadRenderer(head.NewRenderer())).
			ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/head?path=/missing", nil))

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestStatusForCodeDefault(t *testing.T) {
	if got := statusForCode("something_else"); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown code, got %d", got)
	}
}
