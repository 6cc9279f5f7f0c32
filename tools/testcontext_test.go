//go:build integration

package tools

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/go-openapi/strfmt"
	"github.com/grafana/grafana-openapi-client-go/client"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

// newTestContext creates a context bound to the Grafana instance configured
// via GRAFANA_URL and GRAFANA_SERVICE_ACCOUNT_TOKEN (or the deprecated
// GRAFANA_API_KEY), defaulting to http://localhost:3000 with admin:admin.
func newTestContext() context.Context {
	cfg := client.DefaultTransportConfig()
	cfg.Host = "localhost:3000"
	cfg.Schemes = []string{"http"}

	grafanaURL := "http://localhost:3000"

	if u, ok := os.LookupEnv("GRAFANA_URL"); ok {
		parsedURL, err := url.Parse(u)
		if err != nil {
			panic(fmt.Errorf("invalid %s: %w", "GRAFANA_URL", err))
		}
		cfg.Host = parsedURL.Host
		grafanaURL = u
		// The generated client prefers HTTPS even for HTTP URLs, so the
		// schemes must be limited explicitly.
		if parsedURL.Scheme == "http" {
			cfg.Schemes = []string{"http"}
		}
	}

	if apiKey := os.Getenv("GRAFANA_SERVICE_ACCOUNT_TOKEN"); apiKey != "" {
		cfg.APIKey = apiKey
	} else if apiKey := os.Getenv("GRAFANA_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	} else {
		cfg.BasicAuth = url.UserPassword("admin", "admin")
	}

	grafanaClient := client.NewHTTPClientWithConfig(strfmt.Default, cfg)

	grafanaCfg := mcpgrafana.GrafanaConfig{
		Debug:     true,
		URL:       grafanaURL,
		APIKey:    cfg.APIKey,
		BasicAuth: cfg.BasicAuth,
	}

	ctx := mcpgrafana.WithGrafanaConfig(context.Background(), grafanaCfg)
	ctx = mcpgrafana.WithGrafanaClient(ctx, grafanaClient)
	ctx = mcpgrafana.WithAPIClient(ctx, mcpgrafana.NewAPIClient(grafanaCfg))
	return ctx
}
