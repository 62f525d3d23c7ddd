package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"finitefield.org/seomatic-meta/internal/graphql"
	"finitefield.org/seomatic-meta/internal/platform/config"
	"finitefield.org/seomatic-meta/internal/platform/observability"
	"finitefield.org/seomatic-meta/internal/platform/secrets"
	"finitefield.org/seomatic-meta/internal/seomatic"
)

// app holds the dependencies shared by every command.
type app struct {
	logger   *zap.Logger
	cfg      config.Config
	resolver *seomatic.Resolver
	closers  []func() error
}

// newApp loads configuration and wires the resolver. Logs go to logOut when
// it is set, otherwise to stdout.
func newApp(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	values, err := config.EnvironmentValues(config.WithEnvFile(opts.envFile))
	if err != nil {
		return nil, fmt.Errorf("read environment values: %w", err)
	}

	level := opts.logLevel
	if level == "" {
		level = values["LOG_LEVEL"]
	}
	var logger *zap.Logger
	if logOut != nil {
		logger = observability.NewWriterLogger(logOut, level)
	} else if logger, err = observability.NewLogger(level); err != nil {
		return nil, fmt.Errorf("initialise logger: %w", err)
	}

	a := &app{logger: logger}
	loadOpts := []config.Option{config.WithEnvFile(opts.envFile)}
	if config.IsSecretReference(values["GRAPHQL_TOKEN"]) {
		fetcher, err := newSecretFetcher(ctx, logger, config.SecretSettings(values))
		if err != nil {
			return nil, fmt.Errorf("initialise secret fetcher: %w", err)
		}
		a.closers = append(a.closers, fetcher.Close)
		loadOpts = append(loadOpts,
			config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
			config.WithRequiredSecrets(config.SecretGraphQLToken),
		)
	}

	cfg, err := config.Load(ctx, loadOpts...)
	if err != nil {
		a.Close()
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("missing required secrets: %s", strings.Join(missing.RedactedNames(), ", "))
		}
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if opts.debug {
		cfg.Seomatic.Debug = true
	}
	a.cfg = cfg

	client := graphql.NewClient(graphql.WithUserAgent("seomatic-meta/" + Version))
	a.resolver = seomatic.New(cfg.Seomatic.Resolver(), client, seomatic.WithLogger(logger.Named("seomatic")))
	return a, nil
}

// Close releases the secret fetcher and flushes the logger.
func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close error", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, settings config.SecretsConfig) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithEnvironment(settings.Environment),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(settings.FallbackFile),
	}
	if len(settings.Projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(settings.Projects))
	}
	if settings.DefaultProjectID != "" {
		opts = append(opts, secrets.WithDefaultProject(settings.DefaultProjectID))
	}
	if settings.CredentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(settings.CredentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
