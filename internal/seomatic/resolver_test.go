package seomatic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/seomatic-meta/internal/graphql"
)

type fakeExecutor struct {
	resp  *graphql.Response
	err   error
	calls int

	endpoint string
	request  graphql.Request
	header   string
}

func (f *fakeExecutor) Execute(ctx context.Context, endpoint string, req graphql.Request, opts ...graphql.CallOption) (*graphql.Response, error) {
	f.calls++
	f.endpoint = endpoint
	f.request = req
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	for _, opt := range opts {
		opt(httpReq)
	}
	f.header = httpReq.Header.Get("Authorization")
	return f.resp, f.err
}

func seomaticResponse(t *testing.T, containers map[string]string) *graphql.Response {
	t.Helper()
	payload := map[string]any{}
	for key, value := range containers {
		payload[key] = value
	}
	body, err := json.Marshal(map[string]any{"data": map[string]any{"seomatic": payload}})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return rawResponse(t, string(body))
}

func rawResponse(t *testing.T, body string) *graphql.Response {
	t.Helper()
	resp := &graphql.Response{Raw: []byte(body)}
	if strings.TrimSpace(body) == "" {
		return resp
	}
	if err := json.Unmarshal([]byte(body), resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func baseConfig() Config {
	return Config{
		BackendURL:  "https://cms.example.com",
		GraphQLPath: "/api",
	}
}

func TestResolveUsesRouteWhenNoRemapMatches(t *testing.T) {
	exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
	cfg := baseConfig()
	cfg.RouteRemap = []RouteRemap{{Path: "/", GetFrom: "homepage"}}

	if _, err := New(cfg, exec).Resolve(context.Background(), "/blog/post"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := exec.request.Variables["uri"]; got != "/blog/post" {
		t.Fatalf("expected uri /blog/post, got %v", got)
	}
	if exec.endpoint != "https://cms.example.com/api" {
		t.Fatalf("unexpected endpoint %s", exec.endpoint)
	}
}

func TestResolveAppliesFirstMatchingRemap(t *testing.T) {
	exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
	cfg := baseConfig()
	cfg.RouteRemap = []RouteRemap{
		{Path: "/about", GetFrom: "company"},
		{Path: "/", GetFrom: "homepage"},
		{Path: "/", GetFrom: "landing"},
	}

	if _, err := New(cfg, exec).Resolve(context.Background(), "/"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got := exec.request.Variables["uri"]; got != "homepage" {
		t.Fatalf("expected first remap homepage, got %v", got)
	}
	if strings.Contains(exec.request.Query, "homepage") {
		t.Fatalf("route must not be interpolated into the query: %s", exec.request.Query)
	}
}

func TestResolveLogsRemapInDebugMode(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
	cfg := baseConfig()
	cfg.Debug = true
	cfg.RouteRemap = []RouteRemap{{Path: "/", GetFrom: "homepage"}}

	if _, err := New(cfg, exec, WithLogger(zap.New(core))).Resolve(context.Background(), "/"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	entries := logs.FilterMessage("seomatic: getting metadata for '/' from 'homepage'").All()
	if len(entries) != 1 {
		t.Fatalf("expected remap log entry, got %v", logs.All())
	}
	if logs.FilterMessage("seomatic: received graphql data").Len() != 1 {
		t.Fatalf("expected raw response debug log")
	}
}

func TestResolveQuietWithoutDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
	cfg := baseConfig()
	cfg.RouteRemap = []RouteRemap{{Path: "/", GetFrom: "homepage"}}

	if _, err := New(cfg, exec, WithLogger(zap.New(core))).Resolve(context.Background(), "/"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no logs outside debug mode, got %v", logs.All())
	}
}

func TestResolvePreconditions(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		client bool
		code   ErrorCode
	}{
		{name: "client unavailable", cfg: baseConfig(), client: false, code: ErrorClientUnavailable},
		{name: "missing backend url", cfg: Config{GraphQLPath: "/api"}, client: true, code: ErrorMissingBackendURL},
		{name: "missing graphql path", cfg: Config{BackendURL: "https://cms.example.com"}, client: true, code: ErrorMissingGraphQLPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
			var resolver *Resolver
			if tc.client {
				resolver = New(tc.cfg, exec)
			} else {
				resolver = New(tc.cfg, nil)
			}
			_, err := resolver.Resolve(context.Background(), "/")
			if !IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if exec.calls != 0 {
				t.Fatalf("expected no network call, got %d", exec.calls)
			}
		})
	}
}

func TestResolveBearerHeader(t *testing.T) {
	exec := &fakeExecutor{resp: seomaticResponse(t, nil)}
	if _, err := New(baseConfig(), exec).Resolve(context.Background(), "/"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if exec.header != "" {
		t.Fatalf("expected no authorization header, got %q", exec.header)
	}

	cfg := baseConfig()
	cfg.GraphQLToken = "craft-token"
	if _, err := New(cfg, exec).Resolve(context.Background(), "/"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if exec.header != "Bearer craft-token" {
		t.Fatalf("expected bearer header, got %q", exec.header)
	}
}

func TestResolveClassifiesTransportFailures(t *testing.T) {
	cfg := baseConfig()
	cfg.GraphQLToken = "super-secret-token"

	forbidden := &fakeExecutor{err: &graphql.StatusError{StatusCode: 403, Body: "forbidden"}}
	_, err := New(cfg, forbidden).Resolve(context.Background(), "/")
	if !IsCode(err, ErrorBackendAuth) {
		t.Fatalf("expected backend auth error, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "https://cms.example.com") || !strings.Contains(msg, "/api") {
		t.Fatalf("expected diagnostic to include backend url and path: %s", msg)
	}
	if strings.Contains(msg, "super-secret-token") {
		t.Fatalf("token leaked into diagnostic: %s", msg)
	}

	legacy := &fakeExecutor{err: errors.New("Request failed with status code 403")}
	if _, err := New(cfg, legacy).Resolve(context.Background(), "/"); !IsCode(err, ErrorBackendAuth) {
		t.Fatalf("expected backend auth error for message match, got %v", err)
	}

	serverErr := &fakeExecutor{err: &graphql.StatusError{StatusCode: 500}}
	if _, err := New(cfg, serverErr).Resolve(context.Background(), "/"); !IsCode(err, ErrorBackendRequest) {
		t.Fatalf("expected backend request error, got %v", err)
	}

	network := &fakeExecutor{err: errors.New("dial tcp: connection refused")}
	_, err = New(cfg, network).Resolve(context.Background(), "/")
	if !IsCode(err, ErrorBackendRequest) {
		t.Fatalf("expected backend request error, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestResolveEmptyAndMalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		exec *fakeExecutor
		code ErrorCode
	}{
		{name: "empty body", exec: &fakeExecutor{resp: rawResponse(t, "")}, code: ErrorEmptyBackendResponse},
		{name: "nil response", exec: &fakeExecutor{}, code: ErrorEmptyBackendResponse},
		{name: "null data", exec: &fakeExecutor{resp: rawResponse(t, `{"data":null}`)}, code: ErrorEmptyBackendResponse},
		{name: "null seomatic", exec: &fakeExecutor{resp: rawResponse(t, `{"data":{"seomatic":null}}`)}, code: ErrorEmptyBackendResponse},
		{name: "graphql errors", exec: &fakeExecutor{resp: rawResponse(t, `{"data":{"seomatic":null},"errors":[{"message":"Invalid Authorization Header"}]}`)}, code: ErrorBackendQuery},
		{name: "malformed envelope", exec: &fakeExecutor{err: graphql.ErrMalformedResponse}, code: ErrorMalformedBackendResponse},
		{name: "malformed container", exec: &fakeExecutor{resp: rawResponse(t, `{"data":{"seomatic":{"metaTagContainer":"{not json"}}}`)}, code: ErrorMalformedBackendResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(baseConfig(), tc.exec).Resolve(context.Background(), "/")
			if !IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestResolveBuildsBundle(t *testing.T) {
	exec := &fakeExecutor{resp: seomaticResponse(t, map[string]string{
		KeyTitleContainer:  `{"title":{"title":"About | Example"}}`,
		KeyTagContainer:    `{"general":[{"content":"About us","name":"description"}],"og":[{"content":"About","property":"og:title"}]}`,
		KeyLinkContainer:   `{"canonical":[{"href":"https://example.com/about","rel":"canonical"}]}`,
		KeyScriptContainer: `{"gtag":{"script":"window.dataLayer = [];"}}`,
		KeyJSONLDContainer: `{"mainEntityOfPage":{"@context":"http://schema.org","@type":"WebPage"}}`,
	})}

	bundle, err := New(baseConfig(), exec).Resolve(context.Background(), "/about")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if bundle.Title != "About | Example" {
		t.Fatalf("unexpected title %q", bundle.Title)
	}
	if len(bundle.Meta) != 2 || len(bundle.Link) != 1 {
		t.Fatalf("unexpected meta/link counts %d/%d", len(bundle.Meta), len(bundle.Link))
	}
	if len(bundle.Script) != 2 {
		t.Fatalf("expected script + json-ld, got %+v", bundle.Script)
	}
	if bundle.Script[0].InnerHTML != "window.dataLayer = [];" || bundle.Script[0].Type != "" {
		t.Fatalf("unexpected first script %+v", bundle.Script[0])
	}
	if bundle.Script[1].Type != JSONLDType {
		t.Fatalf("expected json-ld script second, got %+v", bundle.Script[1])
	}
	if want := `["mainEntityOfPage",{"@context":"http://schema.org","@type":"WebPage"}]`; bundle.Script[1].InnerHTML != want {
		t.Fatalf("unexpected json-ld innerHTML %s", bundle.Script[1].InnerHTML)
	}
}

func TestResolveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &fakeExecutor{err: context.Canceled}
	_, err := New(baseConfig(), exec).Resolve(ctx, "/")
	if !IsCode(err, ErrorBackendRequest) {
		t.Fatalf("expected backend request error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}
