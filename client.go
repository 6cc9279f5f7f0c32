package mcpgrafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// clientTimeout is the fixed timeout applied to every facade request.
const clientTimeout = 30 * time.Second

// maxResponseSize caps how much of an upstream response body we read.
const maxResponseSize = 48 * 1024 * 1024

// InvalidArgumentError indicates a request was rejected locally, before any
// network call, because its arguments cannot form a valid upstream request.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return e.Message
}

// UpstreamError indicates Grafana (or a proxied datasource) answered with a
// non-2xx status. The error text is the verbatim response body, which is
// usually the most useful diagnostic Grafana provides.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return e.Body
}

// credential is one of the closed set of authentication strategies. Each
// variant holds immutable data and applies its headers to outgoing requests,
// so a single credential value is safe to share across goroutines.
type credential interface {
	applyHeaders(h http.Header)
}

// serviceAccountToken authenticates with a Grafana service account token (or
// legacy API key) as a bearer token.
type serviceAccountToken struct {
	token string
}

func (c serviceAccountToken) applyHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+c.token)
}

// accessToken authenticates with a Grafana Cloud access policy token alone.
// An empty token is the deliberate degenerate case: no headers are attached
// and the upstream rejects the request with its own error, which is far more
// actionable than anything we could synthesize locally.
type accessToken struct {
	token string
}

func (c accessToken) applyHeaders(h http.Header) {
	if c.token == "" {
		return
	}
	h.Set(grafanaAccessTokenHeader, c.token)
}

// onBehalfOf authenticates with an access policy token plus the identity
// token of the user the request is made for.
type onBehalfOf struct {
	token    string
	identity string
}

func (c onBehalfOf) applyHeaders(h http.Header) {
	h.Set(grafanaAccessTokenHeader, c.token)
	h.Set(grafanaIDTokenHeader, c.identity)
}

// credentialFor selects the authentication strategy for a request
// configuration. First match wins: a configured service account token beats
// everything, then on-behalf-of when both tokens are present, then the bare
// access token. With no credentials at all the degenerate empty access token
// is used so the request still goes out and the upstream reports the failure.
func credentialFor(cfg GrafanaConfig) credential {
	if cfg.APIKey != "" {
		return serviceAccountToken{token: cfg.APIKey}
	}
	if cfg.AccessToken == "" {
		return accessToken{}
	}
	if cfg.IDToken != "" {
		return onBehalfOf{token: cfg.AccessToken, identity: cfg.IDToken}
	}
	return accessToken{token: cfg.AccessToken}
}

// credentialRoundTripper applies the selected credential's headers to every
// request passing through it.
type credentialRoundTripper struct {
	rt   http.RoundTripper
	cred credential
}

func (t *credentialRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	t.cred.applyHeaders(newReq.Header)
	return t.rt.RoundTrip(newReq)
}

// APIClient is a thin authenticated facade over the Grafana HTTP API. It
// issues GET and POST requests against a fixed base URL with the credential
// chosen at construction time and returns raw response bodies. It performs
// no retries, no caching and no batching. Constructing a client does no
// network I/O; it is cheap enough to build per request.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient builds a facade client from an explicit configuration. Most
// callers should use APIClientFromContext instead, which resolves the
// configuration bound to the current request.
func NewAPIClient(cfg GrafanaConfig) *APIClient {
	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		baseURL = defaultGrafanaURL
	}

	var base http.RoundTripper = http.DefaultTransport
	if cfg.TLSConfig != nil {
		t, err := cfg.TLSConfig.HTTPTransport(http.DefaultTransport.(*http.Transport))
		if err != nil {
			slog.Warn("Failed to apply TLS configuration, using default transport", "error", err)
		} else {
			base = t
		}
	}

	var rt http.RoundTripper = &credentialRoundTripper{rt: base, cred: credentialFor(cfg)}
	rt = NewOrgIDRoundTripper(rt, cfg.OrgID)
	rt = otelhttp.NewTransport(NewUserAgentTransport(rt))

	return &APIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   clientTimeout,
		},
	}
}

// BaseURL returns the Grafana base URL the client was constructed with.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

func (c *APIClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Get issues an authenticated GET against the given API path with optional
// query parameters and returns the raw response body.
func (c *APIClient) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	return c.do(req)
}

// Post issues an authenticated POST with a JSON body against the given API
// path and returns the raw response body.
func (c *APIClient) Post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// PostRaw issues an authenticated POST with a preassembled body and content
// type. Used for endpoints that do not speak JSON, such as Elasticsearch's
// NDJSON search API or the ClickHouse HTTP interface.
func (c *APIClient) PostRaw(ctx context.Context, path, contentType string, body []byte, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.do(req)
}

// ListDatasources returns the raw list of datasources visible to the
// current identity.
func (c *APIClient) ListDatasources(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, "/api/datasources", nil)
}

// GetDatasource fetches a datasource by UID or, failing that, by name.
// Exactly one of the two must be provided; with neither, the request is
// rejected locally and no network call is made.
func (c *APIClient) GetDatasource(ctx context.Context, uid, name string) ([]byte, error) {
	switch {
	case uid != "":
		return c.Get(ctx, "/api/datasources/uid/"+url.PathEscape(uid), nil)
	case name != "":
		return c.Get(ctx, "/api/datasources/name/"+url.PathEscape(name), nil)
	default:
		return nil, &InvalidArgumentError{Message: "one of uid or name must be provided"}
	}
}

// SearchDashboards searches dashboards by title. An empty query searches
// everything; the parameter is omitted entirely in that case rather than
// sent as an empty string.
func (c *APIClient) SearchDashboards(ctx context.Context, query string) ([]byte, error) {
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	return c.Get(ctx, "/api/search", params)
}

// GetDashboard fetches the full dashboard JSON, including metadata, by UID.
func (c *APIClient) GetDashboard(ctx context.Context, uid string) ([]byte, error) {
	return c.Get(ctx, "/api/dashboards/uid/"+url.PathEscape(uid), nil)
}

// Incident plugin resource paths. These go through Grafana's plugin proxy
// rather than a dedicated incident API host, so the facade's credential
// handling applies unchanged.
const (
	incidentQueryPath       = "/api/plugins/grafana-incident-app/resources/api/IncidentsService.QueryIncidentPreviews"
	incidentCreatePath      = "/api/plugins/grafana-incident-app/resources/api/IncidentsService.CreateIncident"
	incidentAddActivityPath = "/api/plugins/grafana-incident-app/resources/api/ActivityService.AddActivity"
	incidentClosePath       = "/api/plugins/grafana-incident-app/resources/api/IncidentsService.CloseIncident"
)

// QueryIncidentPreviews lists incidents matching the given query body.
func (c *APIClient) QueryIncidentPreviews(ctx context.Context, body any) ([]byte, error) {
	return c.Post(ctx, incidentQueryPath, body)
}

// CreateIncident creates a new incident.
func (c *APIClient) CreateIncident(ctx context.Context, body any) ([]byte, error) {
	return c.Post(ctx, incidentCreatePath, body)
}

// AddIncidentActivity appends an activity item to an incident's timeline.
func (c *APIClient) AddIncidentActivity(ctx context.Context, body any) ([]byte, error) {
	return c.Post(ctx, incidentAddActivityPath, body)
}

// CloseIncident closes an incident with a closing summary.
func (c *APIClient) CloseIncident(ctx context.Context, incidentID, summary string) ([]byte, error) {
	return c.Post(ctx, incidentClosePath, map[string]string{
		"incidentID": incidentID,
		"summary":    summary,
	})
}

// Sift investigation resource paths, served by the ml-app plugin proxy.
const siftInvestigationsPath = "/api/plugins/grafana-ml-app/resources/sift/api/v1/investigations"

// CreateSiftInvestigation starts a new Sift investigation.
func (c *APIClient) CreateSiftInvestigation(ctx context.Context, body any) ([]byte, error) {
	return c.Post(ctx, siftInvestigationsPath, body)
}

// GetSiftInvestigation fetches a Sift investigation by ID.
func (c *APIClient) GetSiftInvestigation(ctx context.Context, id string) ([]byte, error) {
	return c.Get(ctx, siftInvestigationsPath+"/"+url.PathEscape(id), nil)
}

// GetSiftAnalyses lists the analyses belonging to a Sift investigation.
func (c *APIClient) GetSiftAnalyses(ctx context.Context, id string) ([]byte, error) {
	return c.Get(ctx, siftInvestigationsPath+"/"+url.PathEscape(id)+"/analyses", nil)
}

// epochMillis renders a unix timestamp in fractional seconds as the
// floor-milliseconds string Grafana's query API expects.
func epochMillis(seconds float64) string {
	return strconv.FormatInt(int64(math.Floor(seconds*1000)), 10)
}

// QueryDatasource runs queries through the unified /api/ds/query endpoint.
// The from/to window is given in unix seconds (fractions allowed) and sent
// as millisecond strings.
func (c *APIClient) QueryDatasource(ctx context.Context, queries []any, from, to float64) ([]byte, error) {
	return c.Post(ctx, "/api/ds/query", map[string]any{
		"queries": queries,
		"from":    epochMillis(from),
		"to":      epochMillis(to),
	})
}

func prometheusProxyPath(datasourceUID, endpoint string) string {
	return "/api/datasources/proxy/uid/" + url.PathEscape(datasourceUID) + "/api/v1/" + endpoint
}

// GetPrometheusMetricMetadata fetches metric metadata from a Prometheus
// datasource via the datasource proxy.
func (c *APIClient) GetPrometheusMetricMetadata(ctx context.Context, datasourceUID, metric string, limit, limitPerMetric int) ([]byte, error) {
	params := url.Values{}
	if metric != "" {
		params.Set("metric", metric)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if limitPerMetric > 0 {
		params.Set("limitPerMetric", strconv.Itoa(limitPerMetric))
	}
	return c.Get(ctx, prometheusProxyPath(datasourceUID, "metadata"), params)
}

// prometheusRangeParams encodes the shared match[]/start/end/limit
// parameters of the Prometheus labels endpoints. Each match is an already
// rendered series selector; timestamps are sent in ISO-8601.
func prometheusRangeParams(matches []string, start, end *time.Time, limit int) url.Values {
	params := url.Values{}
	for _, m := range matches {
		params.Add("match[]", m)
	}
	if start != nil {
		params.Set("start", start.Format(time.RFC3339))
	}
	if end != nil {
		params.Set("end", end.Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

// ListPrometheusLabelNames lists label names from a Prometheus datasource,
// optionally restricted to series matching the given selectors.
func (c *APIClient) ListPrometheusLabelNames(ctx context.Context, datasourceUID string, matches []string, start, end *time.Time, limit int) ([]byte, error) {
	return c.Get(ctx, prometheusProxyPath(datasourceUID, "labels"), prometheusRangeParams(matches, start, end, limit))
}

// ListPrometheusLabelValues lists the values of one label from a Prometheus
// datasource, optionally restricted to series matching the given selectors.
func (c *APIClient) ListPrometheusLabelValues(ctx context.Context, datasourceUID, labelName string, matches []string, start, end *time.Time, limit int) ([]byte, error) {
	return c.Get(ctx, prometheusProxyPath(datasourceUID, "label/"+url.PathEscape(labelName)+"/values"), prometheusRangeParams(matches, start, end, limit))
}
