package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finitefield.org/seomatic-meta/internal/seomatic"
)

const (
	defaultEnvFile        = ".env"
	defaultPort           = "8080"
	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 30 * time.Second
	defaultIdleTimeout    = 120 * time.Second
	defaultResolveTimeout = 10 * time.Second
	defaultEnvironment    = "local"
	defaultFallbackFile   = ".secrets.local"
	defaultLogLevel       = "info"
)

// Names under which resolved secrets are recorded for WithRequiredSecrets.
const (
	SecretGraphQLToken = "Seomatic.GraphQLToken"
)

// Config captures the runtime configuration organised by concern.
type Config struct {
	Server   ServerConfig
	Seomatic SeomaticConfig
	Secrets  SecretsConfig
	LogLevel string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	ResolveTimeout time.Duration
}

// SeomaticConfig holds the CMS connection and route remapping settings.
type SeomaticConfig struct {
	Debug          bool
	RouteRemap     []seomatic.RouteRemap
	RouteRemapFile string
	BackendURL     string
	GraphQLPath    string
	GraphQLToken   string
}

// Resolver converts the settings into the resolver configuration.
func (c SeomaticConfig) Resolver() seomatic.Config {
	remap := make([]seomatic.RouteRemap, len(c.RouteRemap))
	copy(remap, c.RouteRemap)
	return seomatic.Config{
		Debug:        c.Debug,
		RouteRemap:   remap,
		BackendURL:   c.BackendURL,
		GraphQLPath:  c.GraphQLPath,
		GraphQLToken: c.GraphQLToken,
	}
}

// Missing lists the connection settings a resolver needs but that are unset.
func (c SeomaticConfig) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.BackendURL) == "" {
		missing = append(missing, "BACKEND_URL")
	}
	if strings.TrimSpace(c.GraphQLPath) == "" {
		missing = append(missing, "GRAPHQL_PATH")
	}
	return missing
}

// SecretsConfig configures how secret references are fetched.
type SecretsConfig struct {
	Environment      string
	DefaultProjectID string
	FallbackFile     string
	Projects         map[string]string
	CredentialsFile  string
}

// SecretResolver resolves secret references such as secret://name.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing or invalid field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a failure resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing secret names, sorted.
func (e *MissingSecretsError) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed forms of the missing names, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the dotenv file. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap supplies explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv stops Load from reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets makes Load fail when any named secret resolves empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < process env < explicit map)
// so callers can build dependencies, such as the secret fetcher, before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// SecretSettings reads the secret fetcher settings out of merged environment values.
func SecretSettings(values map[string]string) SecretsConfig {
	lookup := mapLookup(values)
	return SecretsConfig{
		Environment:      strings.ToLower(stringWithDefault(lookup, "SEOMATIC_ENVIRONMENT", defaultEnvironment)),
		DefaultProjectID: stringWithDefault(lookup, "SEOMATIC_SECRET_DEFAULT_PROJECT_ID", ""),
		FallbackFile:     stringWithDefault(lookup, "SEOMATIC_SECRET_FALLBACK_FILE", defaultFallbackFile),
		Projects:         mapWithDefault(lookup, "SEOMATIC_SECRET_PROJECTS"),
		CredentialsFile:  stringWithDefault(lookup, "SEOMATIC_CREDENTIALS_FILE", ""),
	}
}

// Load assembles the configuration from defaults, the dotenv file, the
// environment, an optional remap file and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	lookup := mapLookup(values)

	var invalid []string
	remap, bad := parseRouteRemap(lookupString(lookup, "SEOMATIC_ROUTE_REMAP"))
	invalid = append(invalid, bad...)

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "SEOMATIC_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "SEOMATIC_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "SEOMATIC_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "SEOMATIC_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ResolveTimeout: durationWithDefault(lookup, "SEOMATIC_RESOLVE_TIMEOUT", defaultResolveTimeout),
		},
		Seomatic: SeomaticConfig{
			Debug:          boolWithDefault(lookup, "SEOMATIC_DEBUG", false),
			RouteRemap:     remap,
			RouteRemapFile: stringWithDefault(lookup, "SEOMATIC_ROUTE_REMAP_FILE", ""),
			BackendURL:     strings.TrimSpace(lookupString(lookup, "BACKEND_URL")),
			GraphQLPath:    strings.TrimSpace(lookupString(lookup, "GRAPHQL_PATH")),
			GraphQLToken:   strings.TrimSpace(lookupString(lookup, "GRAPHQL_TOKEN")),
		},
		Secrets:  SecretSettings(values),
		LogLevel: stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
	}

	if cfg.Seomatic.RouteRemapFile != "" {
		fromFile, err := LoadRouteRemapFile(cfg.Seomatic.RouteRemapFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Seomatic.RouteRemap = append(cfg.Seomatic.RouteRemap, fromFile...)
	}

	resolved := make(map[string]string)
	token, err := resolveSecret(ctx, cfg.Seomatic.GraphQLToken, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Seomatic.GraphQLToken = strings.TrimSpace(token)
	resolved[SecretGraphQLToken] = cfg.Seomatic.GraphQLToken

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// LoadRouteRemapFile reads an ordered YAML list of {path, getFrom} entries.
func LoadRouteRemapFile(path string) ([]seomatic.RouteRemap, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read route remap file %s: %w", path, err)
	}
	defer file.Close()

	var entries []seomatic.RouteRemap
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: failed parsing route remap file %s: %w", path, err)
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.Path) == "" {
			return nil, &ValidationError{fields: []string{fmt.Sprintf("Seomatic.RouteRemapFile[%d].path", i)}}
		}
		entries[i] = seomatic.RouteRemap{Path: strings.TrimSpace(entry.Path), GetFrom: strings.TrimSpace(entry.GetFrom)}
	}
	return entries, nil
}

// parseRouteRemap parses "path=getFrom" pairs separated by commas, keeping order.
// An empty getFrom is kept and disables remapping for that path.
func parseRouteRemap(raw string) ([]seomatic.RouteRemap, []string) {
	var (
		out     []seomatic.RouteRemap
		invalid []string
	)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, getFrom, ok := strings.Cut(entry, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			invalid = append(invalid, fmt.Sprintf("Seomatic.RouteRemap[%d]", i))
			continue
		}
		out = append(out, seomatic.RouteRemap{Path: path, GetFrom: strings.TrimSpace(getFrom)})
	}
	return out, invalid
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.ResolveTimeout <= 0 {
		missing = append(missing, "Server.ResolveTimeout")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

// IsSecretReference reports whether value is a secret:// or sm:// reference.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

type lookupFunc func(string) (string, bool)

func mapLookup(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func lookupString(lookup lookupFunc, key string) string {
	value, _ := lookup(key)
	return value
}

func stringWithDefault(lookup lookupFunc, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup lookupFunc, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup lookupFunc, key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func mapWithDefault(lookup lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
