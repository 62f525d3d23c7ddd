// Package seomatic resolves SEOmatic head metadata for a route from a Craft CMS
// GraphQL endpoint and maps it into the bundle consumed by the rendering layer.
package seomatic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finitefield.org/seomatic-meta/internal/graphql"
)

const metricNamespace = "finitefield.org/seomatic-meta/internal/seomatic"

var tracer = otel.Tracer(metricNamespace)

// Executor posts a GraphQL request. *graphql.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, endpoint string, req graphql.Request, opts ...graphql.CallOption) (*graphql.Response, error)
}

// Resolver runs the metadata pipeline for one configuration. It holds no
// per-request state and is safe for concurrent use.
type Resolver struct {
	cfg    Config
	client Executor
	logger *zap.Logger

	latency        metric.Float64Histogram
	latencyEnabled bool
}

type resolverOptions struct {
	logger *zap.Logger
	meter  metric.Meter
}

// Option customises Resolver construction.
type Option func(*resolverOptions)

// WithLogger sets the logger used for debug and error output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *resolverOptions) {
		o.logger = logger
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(o *resolverOptions) {
		o.meter = m
	}
}

// New builds a Resolver. A nil client is accepted and reported as
// ErrorClientUnavailable on every Resolve call.
func New(cfg Config, client Executor, opts ...Option) *Resolver {
	options := resolverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	meter := options.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	latency, err := meter.Float64Histogram(
		"seomatic.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for SEOmatic metadata resolution"),
	)
	if err != nil {
		options.logger.Warn("seomatic: unable to register latency metric", zap.Error(err))
	}

	return &Resolver{
		cfg:            cfg.clone(),
		client:         client,
		logger:         options.logger,
		latency:        latency,
		latencyEnabled: err == nil,
	}
}

// Config returns a copy of the resolver configuration.
func (r *Resolver) Config() Config {
	return r.cfg.clone()
}

// Resolve fetches and transforms the metadata for route.
func (r *Resolver) Resolve(ctx context.Context, route string) (Bundle, error) {
	start := time.Now()
	effective, remapped := r.cfg.EffectiveRoute(route)

	ctx, span := tracer.Start(ctx, "seomatic.Resolve", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("seomatic.route", route),
		attribute.String("seomatic.effective_route", effective),
		attribute.Bool("seomatic.remapped", remapped),
	)
	defer span.End()

	logger := r.logger.With(zap.String("route", route))
	if r.cfg.Debug && remapped {
		logger.Info(fmt.Sprintf("seomatic: getting metadata for '%s' from '%s'", route, effective),
			zap.String("effective_route", effective))
	}

	bundle, err := r.resolve(ctx, route, effective, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
		logger.Error("seomatic: metadata resolution failed",
			zap.String("code", string(CodeOf(err))),
			zap.Error(err))
		r.recordLatency(ctx, time.Since(start), string(CodeOf(err)))
		return Bundle{}, err
	}
	span.SetStatus(codes.Ok, "")
	r.recordLatency(ctx, time.Since(start), "ok")
	return bundle, nil
}

func (r *Resolver) resolve(ctx context.Context, route, effective string, logger *zap.Logger) (Bundle, error) {
	if r.client == nil {
		return Bundle{}, newError(ErrorClientUnavailable, route, "graphql client not configured", nil)
	}
	if r.cfg.BackendURL == "" {
		return Bundle{}, newError(ErrorMissingBackendURL, route, "no backendUrl specified", nil)
	}
	if r.cfg.GraphQLPath == "" {
		return Bundle{}, newError(ErrorMissingGraphQLPath, route, "no graphqlPath specified", nil)
	}

	resp, err := r.client.Execute(ctx, r.cfg.Endpoint(), NewQuery(effective), graphql.WithBearer(r.cfg.GraphQLToken))
	if err != nil {
		if isForbidden(err) {
			msg := fmt.Sprintf("can't connect to the CMS GraphQL API, check the credentials (backendUrl: %q, graphqlPath: %q, graphqlToken: %q)",
				r.cfg.BackendURL, r.cfg.GraphQLPath, redactToken(r.cfg.GraphQLToken))
			return Bundle{}, newError(ErrorBackendAuth, route, msg, err)
		}
		if errors.Is(err, graphql.ErrMalformedResponse) {
			return Bundle{}, newError(ErrorMalformedBackendResponse, route, "backend returned a malformed response", err)
		}
		return Bundle{}, newError(ErrorBackendRequest, route, "backend request failed", err)
	}

	if resp.Empty() {
		return Bundle{}, newError(ErrorEmptyBackendResponse, route, "no data was returned from the CMS", nil)
	}
	if r.cfg.Debug {
		logger.Info("seomatic: received graphql data", zap.ByteString("response", resp.Raw))
	}

	payload, err := seomaticPayload(resp)
	if err != nil {
		return Bundle{}, newError(ErrorMalformedBackendResponse, route, "backend returned a malformed response", err)
	}
	if payload == nil {
		if messages := resp.ErrorMessages(); len(messages) > 0 {
			return Bundle{}, newError(ErrorBackendQuery, route, "graphql query failed: "+strings.Join(messages, "; "), nil)
		}
		return Bundle{}, newError(ErrorEmptyBackendResponse, route, "no seomatic data was returned from the CMS", nil)
	}

	decoded, err := decodeContainers(payload)
	if err != nil {
		return Bundle{}, newError(ErrorMalformedBackendResponse, route, "backend returned a malformed container", err)
	}
	bundle, err := buildBundle(decoded)
	if err != nil {
		return Bundle{}, newError(ErrorMalformedBackendResponse, route, "backend returned a malformed container", err)
	}
	return bundle, nil
}

// seomaticPayload returns data.seomatic, or nil when either level is missing or null.
func seomaticPayload(resp *graphql.Response) (json.RawMessage, error) {
	if k := jsonKind(resp.Data); k == 0 || k == 'n' {
		return nil, nil
	}
	var data Object
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, err
	}
	raw, ok := data.Get("seomatic")
	if !ok || jsonKind(raw) == 'n' {
		return nil, nil
	}
	if jsonKind(raw) != '{' {
		return nil, fmt.Errorf("seomatic field must be an object")
	}
	return raw, nil
}

func isForbidden(err error) bool {
	var statusErr *graphql.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusForbidden
	}
	return strings.Contains(err.Error(), "status code 403")
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "redacted:" + hex.EncodeToString(sum[:4])
}

func (r *Resolver) recordLatency(ctx context.Context, d time.Duration, outcome string) {
	if !r.latencyEnabled {
		return
	}
	r.latency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
