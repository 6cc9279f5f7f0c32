package mcpgrafana

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	"github.com/grafana/grafana-openapi-client-go/client"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultGrafanaHost = "localhost:3000"
	defaultGrafanaURL  = "http://" + defaultGrafanaHost

	grafanaURLEnvVar                 = "GRAFANA_URL"
	grafanaServiceAccountTokenEnvVar = "GRAFANA_SERVICE_ACCOUNT_TOKEN"
	grafanaAPIEnvVar                 = "GRAFANA_API_KEY" // Deprecated: use GRAFANA_SERVICE_ACCOUNT_TOKEN instead
	grafanaUsernameEnvVar            = "GRAFANA_USERNAME"
	grafanaPasswordEnvVar            = "GRAFANA_PASSWORD"
	grafanaOrgIDEnvVar               = "GRAFANA_ORG_ID"

	grafanaURLHeader         = "X-Grafana-URL"
	grafanaAPIKeyHeader      = "X-Grafana-API-Key"
	grafanaAccessTokenHeader = "X-Access-Token"
	grafanaIDTokenHeader     = "X-Grafana-Id"
)

func urlAndAPIKeyFromEnv() (string, string) {
	u := strings.TrimRight(os.Getenv(grafanaURLEnvVar), "/")

	// Prefer the service account token environment variable.
	apiKey := os.Getenv(grafanaServiceAccountTokenEnvVar)
	if apiKey != "" {
		return u, apiKey
	}

	apiKey = os.Getenv(grafanaAPIEnvVar)
	if apiKey != "" {
		slog.Warn("GRAFANA_API_KEY is deprecated, please use GRAFANA_SERVICE_ACCOUNT_TOKEN instead. See https://grafana.com/docs/grafana/latest/administration/service-accounts/ for details on creating service account tokens.")
	}

	return u, apiKey
}

func userAndPassFromEnv() *url.Userinfo {
	username := os.Getenv(grafanaUsernameEnvVar)
	password, exists := os.LookupEnv(grafanaPasswordEnvVar)
	if username == "" && password == "" {
		return nil
	}
	if !exists {
		return url.User(username)
	}
	return url.UserPassword(username, password)
}

func orgIDFromEnv() int64 {
	orgIDStr := os.Getenv(grafanaOrgIDEnvVar)
	if orgIDStr == "" {
		return 0
	}
	orgID, err := strconv.ParseInt(orgIDStr, 10, 64)
	if err != nil {
		slog.Warn("Invalid GRAFANA_ORG_ID value, ignoring", "value", orgIDStr, "error", err)
		return 0
	}
	return orgID
}

func urlAndAPIKeyFromHeaders(req *http.Request) (string, string) {
	u := strings.TrimRight(req.Header.Get(grafanaURLHeader), "/")
	apiKey := req.Header.Get(grafanaAPIKeyHeader)
	return u, apiKey
}

func orgIDFromHeaders(req *http.Request) int64 {
	orgIDStr := req.Header.Get(client.OrgIDHeader)
	if orgIDStr == "" {
		return 0
	}
	orgID, err := strconv.ParseInt(orgIDStr, 10, 64)
	if err != nil {
		slog.Warn("Invalid X-Grafana-Org-Id header value, ignoring", "value", orgIDStr, "error", err)
		return 0
	}
	return orgID
}

// grafanaConfigKey is the context key for Grafana configuration.
type grafanaConfigKey struct{}

// GrafanaConfig holds the per-request configuration for all Grafana clients:
// connection details, authentication credentials, debug settings and TLS
// options. A fresh config is bound into the context at the start of each
// inbound request; it is never shared mutably across requests.
type GrafanaConfig struct {
	// Debug enables debug mode for the Grafana client.
	Debug bool

	// IncludeArgumentsInSpans enables logging of tool arguments in
	// OpenTelemetry spans. This should only be enabled in non-production
	// environments or when you're certain the arguments don't contain PII.
	// Spans themselves are always created for context propagation; arguments
	// are only attached when this flag is set.
	IncludeArgumentsInSpans bool

	// URL is the URL of the Grafana instance.
	URL string

	// APIKey is the API key or service account token for the Grafana
	// instance. It may be empty if we are using on-behalf-of auth.
	APIKey string

	// BasicAuth holds credentials if the user is using basic auth.
	BasicAuth *url.Userinfo

	// OrgID is the organization ID for multi-org support. When set it is
	// sent as the X-Grafana-Org-Id header regardless of auth method.
	OrgID int64

	// AccessToken is the Grafana Cloud access policy token used for
	// on-behalf-of auth.
	AccessToken string
	// IDToken identifies the user for the current request. It comes from
	// the X-Grafana-Id header sent from Grafana to plugin backends and is
	// used for on-behalf-of auth in Grafana Cloud.
	IDToken string

	// TLSConfig holds TLS configuration for all Grafana clients.
	TLSConfig *TLSConfig
}

// WithGrafanaConfig adds Grafana configuration to the context.
func WithGrafanaConfig(ctx context.Context, config GrafanaConfig) context.Context {
	return context.WithValue(ctx, grafanaConfigKey{}, config)
}

// GrafanaConfigFromContext extracts Grafana configuration from the context.
// If no config is found it returns a zero-value GrafanaConfig.
func GrafanaConfigFromContext(ctx context.Context) GrafanaConfig {
	if config, ok := ctx.Value(grafanaConfigKey{}).(GrafanaConfig); ok {
		return config
	}
	return GrafanaConfig{}
}

// WithOnBehalfOfAuth adds the Grafana access token and user token to the
// Grafana config. These tokens enable on-behalf-of auth in Grafana Cloud,
// letting the server act with the permissions of a specific user.
func WithOnBehalfOfAuth(ctx context.Context, accessToken, userToken string) (context.Context, error) {
	if accessToken == "" || userToken == "" {
		return nil, fmt.Errorf("neither accessToken nor userToken can be empty")
	}
	cfg := GrafanaConfigFromContext(ctx)
	cfg.AccessToken = accessToken
	cfg.IDToken = userToken
	return WithGrafanaConfig(ctx, cfg), nil
}

// MustWithOnBehalfOfAuth adds the access and user tokens to the context,
// panicking if either is empty.
func MustWithOnBehalfOfAuth(ctx context.Context, accessToken, userToken string) context.Context {
	ctx, err := WithOnBehalfOfAuth(ctx, accessToken, userToken)
	if err != nil {
		panic(err)
	}
	return ctx
}

func extractGrafanaInfoFromEnv() (string, string, *url.Userinfo, int64) {
	u, apiKey := urlAndAPIKeyFromEnv()
	if u == "" {
		u = defaultGrafanaURL
	}
	return u, apiKey, userAndPassFromEnv(), orgIDFromEnv()
}

func extractGrafanaInfoFromReq(req *http.Request) (string, string, *url.Userinfo, int64) {
	eURL, eAPIKey, eAuth, eOrgID := extractGrafanaInfoFromEnv()

	u, apiKey := urlAndAPIKeyFromHeaders(req)
	if u == "" {
		u = eURL
	}
	if apiKey == "" {
		apiKey = eAPIKey
	}

	auth := eAuth
	if username, password, ok := req.BasicAuth(); ok {
		auth = url.UserPassword(username, password)
	}

	orgID := orgIDFromHeaders(req)
	if orgID == 0 {
		orgID = eOrgID
	}

	return u, apiKey, auth, orgID
}

// ExtractGrafanaInfoFromEnv is a StdioContextFunc that extracts Grafana
// configuration from environment variables and adds it to the context.
var ExtractGrafanaInfoFromEnv server.StdioContextFunc = func(ctx context.Context) context.Context {
	u, apiKey, basicAuth, orgID := extractGrafanaInfoFromEnv()
	parsedURL, err := url.Parse(u)
	if err != nil {
		panic(fmt.Errorf("invalid Grafana URL %s: %w", u, err))
	}
	slog.Info("Using Grafana configuration",
		"url", parsedURL.Redacted(),
		"api_key_set", apiKey != "",
		"basic_auth_set", basicAuth != nil,
		"org_id", orgID)

	// Get the existing config, if set, to respect the debug flag.
	config := GrafanaConfigFromContext(ctx)
	config.URL = u
	config.APIKey = apiKey
	config.BasicAuth = basicAuth
	config.OrgID = orgID
	return WithGrafanaConfig(ctx, config)
}

// httpContextFunc is a function that can be used as a `server.HTTPContextFunc`
// or a `server.SSEContextFunc`. It is necessary because, while the two types
// are functionally identical, they have distinct types and cannot be passed
// around interchangeably.
type httpContextFunc func(ctx context.Context, req *http.Request) context.Context

// ExtractGrafanaInfoFromHeaders is a HTTPContextFunc that extracts Grafana
// configuration from HTTP request headers, falling back to environment
// variables when headers are not present. It also picks up the access and
// identity tokens Grafana Cloud forwards to plugin backends, enabling
// on-behalf-of auth for the request.
var ExtractGrafanaInfoFromHeaders httpContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	u, apiKey, basicAuth, orgID := extractGrafanaInfoFromReq(req)

	config := GrafanaConfigFromContext(ctx)
	config.URL = u
	config.APIKey = apiKey
	config.BasicAuth = basicAuth
	config.OrgID = orgID
	config.AccessToken = req.Header.Get(grafanaAccessTokenHeader)
	config.IDToken = req.Header.Get(grafanaIDTokenHeader)
	return WithGrafanaConfig(ctx, config)
}

type grafanaClientKey struct{}

func makeBasePath(path string) string {
	return strings.Join([]string{strings.TrimRight(path, "/"), "api"}, "/")
}

// NewGrafanaClient creates a typed Grafana OpenAPI client with the provided
// URL and API key. The client is configured with the correct HTTP scheme,
// debug and TLS settings from the context, and OpenTelemetry instrumentation.
func NewGrafanaClient(ctx context.Context, grafanaURL, apiKey string) *client.GrafanaHTTPAPI {
	cfg := client.DefaultTransportConfig()

	if grafanaURL == "" {
		grafanaURL = defaultGrafanaURL
	}
	parsedURL, err := url.Parse(grafanaURL)
	if err != nil {
		panic(fmt.Errorf("invalid Grafana URL: %w", err))
	}
	cfg.Host = parsedURL.Host
	cfg.BasePath = makeBasePath(parsedURL.Path)

	// The Grafana client will always prefer HTTPS even if the URL is HTTP,
	// so we need to limit the schemes to HTTP if the URL is HTTP.
	if parsedURL.Scheme == "http" {
		cfg.Schemes = []string{"http"}
	}

	if apiKey != "" {
		cfg.APIKey = apiKey
	}

	config := GrafanaConfigFromContext(ctx)
	if config.BasicAuth != nil {
		cfg.BasicAuth = config.BasicAuth
	}
	cfg.Debug = config.Debug
	if config.OrgID > 0 {
		cfg.OrgID = config.OrgID
	}

	if tlsConfig := config.TLSConfig; tlsConfig != nil {
		tlsCfg, err := tlsConfig.CreateTLSConfig()
		if err != nil {
			panic(fmt.Errorf("failed to create TLS config: %w", err))
		}
		cfg.TLSConfig = tlsCfg
		slog.Debug("Using custom TLS configuration",
			"cert_file", tlsConfig.CertFile,
			"ca_file", tlsConfig.CAFile,
			"skip_verify", tlsConfig.SkipVerify)
	}

	slog.Debug("Creating Grafana client",
		"url", parsedURL.Redacted(),
		"api_key_set", apiKey != "",
		"basic_auth_set", config.BasicAuth != nil,
		"org_id", cfg.OrgID)
	grafanaClient := client.NewHTTPClientWithConfig(strfmt.Default, cfg)

	// Wrap the transport so all requests carry the user agent and trace
	// context headers.
	if rt, ok := grafanaClient.Transport.(*httptransport.Runtime); ok {
		base := rt.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		rt.Transport = otelhttp.NewTransport(NewUserAgentTransport(base))
	}

	return grafanaClient
}

// ExtractGrafanaClientFromEnv is a StdioContextFunc that creates a typed
// Grafana client from environment variables and injects it into the context.
var ExtractGrafanaClientFromEnv server.StdioContextFunc = func(ctx context.Context) context.Context {
	grafanaURL, apiKey := urlAndAPIKeyFromEnv()
	if grafanaURL == "" {
		grafanaURL = defaultGrafanaURL
	}
	grafanaClient := NewGrafanaClient(ctx, grafanaURL, apiKey)
	return WithGrafanaClient(ctx, grafanaClient)
}

// ExtractGrafanaClientFromHeaders is a HTTPContextFunc that creates a typed
// Grafana client from HTTP headers and injects it into the context. Headers
// take precedence over environment variables.
var ExtractGrafanaClientFromHeaders httpContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	u, apiKey, _, _ := extractGrafanaInfoFromReq(req)
	grafanaClient := NewGrafanaClient(ctx, u, apiKey)
	return WithGrafanaClient(ctx, grafanaClient)
}

// WithGrafanaClient sets the typed Grafana client in the context. It can be
// retrieved using GrafanaClientFromContext.
func WithGrafanaClient(ctx context.Context, client *client.GrafanaHTTPAPI) context.Context {
	return context.WithValue(ctx, grafanaClientKey{}, client)
}

// GrafanaClientFromContext retrieves the typed Grafana client from the
// context. Returns nil if no client has been set.
func GrafanaClientFromContext(ctx context.Context) *client.GrafanaHTTPAPI {
	c, ok := ctx.Value(grafanaClientKey{}).(*client.GrafanaHTTPAPI)
	if !ok {
		return nil
	}
	return c
}

type apiClientKey struct{}

// ExtractAPIClientFromEnv is a StdioContextFunc that binds the request-scoped
// REST client to the context, using the configuration previously extracted
// from the environment.
var ExtractAPIClientFromEnv server.StdioContextFunc = func(ctx context.Context) context.Context {
	return WithAPIClient(ctx, NewAPIClient(GrafanaConfigFromContext(ctx)))
}

// ExtractAPIClientFromHeaders is a HTTPContextFunc that binds the
// request-scoped REST client to the context, using the configuration
// previously extracted from the request headers.
var ExtractAPIClientFromHeaders httpContextFunc = func(ctx context.Context, req *http.Request) context.Context {
	return WithAPIClient(ctx, NewAPIClient(GrafanaConfigFromContext(ctx)))
}

// WithAPIClient sets the request-scoped REST client in the context.
func WithAPIClient(ctx context.Context, client *APIClient) context.Context {
	return context.WithValue(ctx, apiClientKey{}, client)
}

// APIClientFromContext retrieves the request-scoped REST client from the
// context. If none has been bound, a new one is constructed from the
// context's Grafana configuration so deeply nested call sites always observe
// a client matching their own request's identity.
func APIClientFromContext(ctx context.Context) *APIClient {
	if c, ok := ctx.Value(apiClientKey{}).(*APIClient); ok {
		return c
	}
	return NewAPIClient(GrafanaConfigFromContext(ctx))
}

// ComposeStdioContextFuncs composes multiple StdioContextFuncs into a single
// one, applied in order.
func ComposeStdioContextFuncs(funcs ...server.StdioContextFunc) server.StdioContextFunc {
	return func(ctx context.Context) context.Context {
		for _, f := range funcs {
			ctx = f(ctx)
		}
		return ctx
	}
}

// ComposeSSEContextFuncs composes multiple SSEContextFuncs into a single one,
// applied in order.
func ComposeSSEContextFuncs(funcs ...httpContextFunc) server.SSEContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		for _, f := range funcs {
			ctx = f(ctx, req)
		}
		return ctx
	}
}

// ComposeHTTPContextFuncs composes multiple HTTPContextFuncs into a single
// one, applied in order.
func ComposeHTTPContextFuncs(funcs ...httpContextFunc) server.HTTPContextFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		for _, f := range funcs {
			ctx = f(ctx, req)
		}
		return ctx
	}
}

// ComposedStdioContextFunc returns a StdioContextFunc that sets up the
// complete context for the stdio transport: Grafana configuration plus the
// typed and REST clients, resolved from environment variables.
func ComposedStdioContextFunc(config GrafanaConfig) server.StdioContextFunc {
	return ComposeStdioContextFuncs(
		func(ctx context.Context) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromEnv,
		ExtractGrafanaClientFromEnv,
		ExtractAPIClientFromEnv,
	)
}

// ComposedSSEContextFunc returns a SSEContextFunc that sets up the complete
// context for the SSE transport, extracting configuration from HTTP headers
// with environment variable fallbacks.
func ComposedSSEContextFunc(config GrafanaConfig) server.SSEContextFunc {
	return ComposeSSEContextFuncs(
		func(ctx context.Context, req *http.Request) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromHeaders,
		ExtractGrafanaClientFromHeaders,
		ExtractAPIClientFromHeaders,
	)
}

// ComposedHTTPContextFunc returns a HTTPContextFunc that sets up the complete
// context for the streamable HTTP transport.
func ComposedHTTPContextFunc(config GrafanaConfig) server.HTTPContextFunc {
	return ComposeHTTPContextFuncs(
		func(ctx context.Context, req *http.Request) context.Context {
			return WithGrafanaConfig(ctx, config)
		},
		ExtractGrafanaInfoFromHeaders,
		ExtractGrafanaClientFromHeaders,
		ExtractAPIClientFromHeaders,
	)
}
