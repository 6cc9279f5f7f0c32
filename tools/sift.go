package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

type InvestigationStatus string

const (
	InvestigationStatusPending  InvestigationStatus = "pending"
	InvestigationStatusRunning  InvestigationStatus = "running"
	InvestigationStatusFinished InvestigationStatus = "finished"
	InvestigationStatusFailed   InvestigationStatus = "failed"
)

type AnalysisStatus string

const (
	AnalysisStatusPending  AnalysisStatus = "pending"
	AnalysisStatusSkipped  AnalysisStatus = "skipped"
	AnalysisStatusRunning  AnalysisStatus = "running"
	AnalysisStatusFinished AnalysisStatus = "finished"
)

// CheckType is the type of analysis check an investigation runs.
type CheckType string

const (
	CheckTypeErrorPatternLogs CheckType = "ErrorPatternLogs"
	CheckTypeSlowRequests     CheckType = "SlowRequests"
)

type InvestigationRequest struct {
	AlertLabels map[string]string `json:"alertLabels,omitempty"`
	Labels      map[string]string `json:"labels"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	QueryURL string `json:"queryUrl"`

	Checks []string `json:"checks"`
}

// AnalysisResult holds the outcome of a single check. Interesting results
// indicate a probable cause for failure.
type AnalysisResult struct {
	Successful  bool           `json:"successful"`
	Interesting bool           `json:"interesting"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details"`
}

// Analysis is the status and result of running one check within an
// investigation.
type Analysis struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"modified"`

	Status    AnalysisStatus `json:"status"`
	StartedAt *time.Time     `json:"started"`

	InvestigationID uuid.UUID `json:"investigationId"`

	Name   string         `json:"name"`
	Title  string         `json:"title"`
	Result AnalysisResult `json:"result"`
}

// AnalysisMeta is metadata about an investigation's analyses.
type AnalysisMeta struct {
	CountsByStage map[string]any `json:"countsByStage"`
	Items         []Analysis     `json:"items"`
}

type DatasourceInfo struct {
	Uid string `json:"uid"`
}

type DatasourceConfig struct {
	LokiDatasource       DatasourceInfo `json:"lokiDatasource"`
	PrometheusDatasource DatasourceInfo `json:"prometheusDatasource"`
}

type Investigation struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"modified"`

	TenantID string `json:"tenantId"`

	Datasources DatasourceConfig `json:"datasources"`

	Name        string               `json:"name"`
	RequestData InvestigationRequest `json:"requestData"`

	// GrafanaURL is the Grafana URL to be used for datasource queries in
	// this investigation.
	GrafanaURL string `json:"grafanaUrl"`

	Status        InvestigationStatus `json:"status"`
	FailureReason string              `json:"failureReason,omitempty"`

	Analyses AnalysisMeta `json:"analyses"`
}

// siftResponse is the envelope the ml-app plugin wraps all Sift responses
// in.
type siftResponse[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

func fetchSiftInvestigation(ctx context.Context, id uuid.UUID) (*Investigation, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	buf, err := c.GetSiftInvestigation(ctx, id.String())
	if err != nil {
		return nil, err
	}
	var resp siftResponse[Investigation]
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w. body: %s", err, buf)
	}
	return &resp.Data, nil
}

func fetchSiftAnalyses(ctx context.Context, investigationID uuid.UUID) ([]Analysis, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	buf, err := c.GetSiftAnalyses(ctx, investigationID.String())
	if err != nil {
		return nil, err
	}
	var resp siftResponse[[]Analysis]
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w. body: %s", err, buf)
	}
	return resp.Data, nil
}

// runSiftInvestigation creates an investigation and polls until it reaches a
// terminal state.
func runSiftInvestigation(ctx context.Context, investigation *Investigation) (*Investigation, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	buf, err := c.CreateSiftInvestigation(ctx, investigation)
	if err != nil {
		return nil, err
	}
	var resp siftResponse[Investigation]
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w. body: %s", err, buf)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	timeout := time.After(5 * time.Minute)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for investigation completion: %w", ctx.Err())
		case <-timeout:
			return nil, fmt.Errorf("timeout waiting for investigation completion after 5 minutes")
		case <-ticker.C:
			current, err := fetchSiftInvestigation(ctx, resp.Data.ID)
			if err != nil {
				return nil, err
			}
			switch current.Status {
			case InvestigationStatusFailed:
				return nil, fmt.Errorf("investigation failed: %s", current.FailureReason)
			case InvestigationStatusFinished:
				return current, nil
			}
		}
	}
}

// CreateInvestigationParams defines the parameters for creating a new investigation
type CreateInvestigationParams struct {
	Name        string               `json:"name" jsonschema:"required,description=The name of the investigation"`
	RequestData InvestigationRequest `json:"requestData" jsonschema:"required,description=The request data for the investigation"`
	Checks      []CheckType          `json:"checks,omitempty" jsonschema:"description=Optional list of specific checks to run. Can include ErrorPatternLogs and SlowRequests. If not provided\\, all checks will be run."`
}

func createInvestigation(ctx context.Context, args CreateInvestigationParams) (*Investigation, error) {
	// Default the time range to the last 30 minutes.
	if args.RequestData.Start.IsZero() {
		args.RequestData.Start = time.Now().Add(-30 * time.Minute)
	}
	if args.RequestData.End.IsZero() {
		args.RequestData.End = time.Now()
	}

	for _, check := range args.Checks {
		switch check {
		case CheckTypeErrorPatternLogs, CheckTypeSlowRequests:
			args.RequestData.Checks = append(args.RequestData.Checks, string(check))
		default:
			return nil, fmt.Errorf("invalid check type: %s. Valid types are: %s, %s",
				check, CheckTypeErrorPatternLogs, CheckTypeSlowRequests)
		}
	}

	cfg := mcpgrafana.GrafanaConfigFromContext(ctx)
	investigation := &Investigation{
		Name:        args.Name,
		RequestData: args.RequestData,
		GrafanaURL:  cfg.URL,
		Status:      InvestigationStatusPending,
	}

	return runSiftInvestigation(ctx, investigation)
}

var CreateInvestigation = mcpgrafana.MustTool(
	"create_investigation",
	"Create a new investigation. An investigation analyzes data from different datasource types. It takes a set of labels and values to scope the analysis, optionally accepts a time range (defaults to the last 30 minutes if not specified). The investigation will automatically explore relevant data sources and provide insights about potential causes. Optionally pass ErrorPatternLogs or SlowRequests as check types to run specific checks.",
	createInvestigation,
	mcp.WithTitleAnnotation("Create an investigation"),
)

// GetInvestigationParams defines the parameters for retrieving an investigation
type GetInvestigationParams struct {
	ID string `json:"id" jsonschema:"required,description=The UUID of the investigation as a string (e.g. '02adab7c-bf5b-45f2-9459-d71a2c29e11b')"`
}

func getInvestigation(ctx context.Context, args GetInvestigationParams) (*Investigation, error) {
	id, err := uuid.Parse(args.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid investigation ID format: %w", err)
	}

	investigation, err := fetchSiftInvestigation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting investigation: %w", err)
	}
	return investigation, nil
}

var GetInvestigation = mcpgrafana.MustTool(
	"get_investigation",
	"Retrieves an existing investigation by its UUID. The ID should be provided as a string in UUID format (e.g. '02adab7c-bf5b-45f2-9459-d71a2c29e11b').",
	getInvestigation,
	mcp.WithTitleAnnotation("Get an investigation"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// GetAnalysesParams defines the parameters for retrieving an investigation's analyses
type GetAnalysesParams struct {
	InvestigationID string `json:"investigationId" jsonschema:"required,description=The UUID of the investigation as a string (e.g. '02adab7c-bf5b-45f2-9459-d71a2c29e11b')"`
}

func getAnalyses(ctx context.Context, args GetAnalysesParams) ([]Analysis, error) {
	investigationID, err := uuid.Parse(args.InvestigationID)
	if err != nil {
		return nil, fmt.Errorf("invalid investigation ID format: %w", err)
	}

	analyses, err := fetchSiftAnalyses(ctx, investigationID)
	if err != nil {
		return nil, fmt.Errorf("getting analyses: %w", err)
	}
	return analyses, nil
}

var GetAnalyses = mcpgrafana.MustTool(
	"get_analyses",
	"Retrieves all analyses belonging to an investigation by the investigation's UUID. Each analysis holds the status and result of a single check.",
	getAnalyses,
	mcp.WithTitleAnnotation("Get investigation analyses"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// runSingleCheck runs an investigation limited to one check type and returns
// that check's analysis.
func runSingleCheck(ctx context.Context, name string, check CheckType, labels map[string]string, start, end time.Time) (*Analysis, error) {
	if start.IsZero() {
		start = time.Now().Add(-30 * time.Minute)
	}
	if end.IsZero() {
		end = time.Now()
	}

	cfg := mcpgrafana.GrafanaConfigFromContext(ctx)
	investigation := &Investigation{
		Name: name,
		RequestData: InvestigationRequest{
			Labels: labels,
			Start:  start,
			End:    end,
			Checks: []string{string(check)},
		},
		GrafanaURL: cfg.URL,
		Status:     InvestigationStatusPending,
	}

	finished, err := runSiftInvestigation(ctx, investigation)
	if err != nil {
		return nil, err
	}

	analyses, err := fetchSiftAnalyses(ctx, finished.ID)
	if err != nil {
		return nil, fmt.Errorf("getting analyses: %w", err)
	}
	for i := range analyses {
		if analyses[i].Name == string(check) {
			return &analyses[i], nil
		}
	}
	return nil, fmt.Errorf("no %s analysis found in investigation %s", check, finished.ID)
}

// FindErrorPatternLogsParams defines the parameters for running an ErrorPatternLogs check
type FindErrorPatternLogsParams struct {
	Name   string            `json:"name" jsonschema:"required,description=The name of the investigation"`
	Labels map[string]string `json:"labels" jsonschema:"required,description=Labels to scope the analysis"`
	Start  time.Time         `json:"start,omitempty" jsonschema:"description=Start time for the investigation. Defaults to 30 minutes ago if not specified."`
	End    time.Time         `json:"end,omitempty" jsonschema:"description=End time for the investigation. Defaults to now if not specified."`
}

func findErrorPatternLogs(ctx context.Context, args FindErrorPatternLogsParams) (*Analysis, error) {
	return runSingleCheck(ctx, args.Name, CheckTypeErrorPatternLogs, args.Labels, args.Start, args.End)
}

var FindErrorPatternLogs = mcpgrafana.MustTool(
	"find_error_pattern_logs",
	"Searches Loki logs for elevated error patterns compared to the last day's average, waits for the analysis to complete, and returns the results including any patterns found.",
	findErrorPatternLogs,
	mcp.WithTitleAnnotation("Find error patterns in logs"),
)

// FindSlowRequestsParams defines the parameters for running a SlowRequests check
type FindSlowRequestsParams struct {
	Name   string            `json:"name" jsonschema:"required,description=The name of the investigation"`
	Labels map[string]string `json:"labels" jsonschema:"required,description=Labels to scope the analysis"`
	Start  time.Time         `json:"start,omitempty" jsonschema:"description=Start time for the investigation. Defaults to 30 minutes ago if not specified."`
	End    time.Time         `json:"end,omitempty" jsonschema:"description=End time for the investigation. Defaults to now if not specified."`
}

func findSlowRequests(ctx context.Context, args FindSlowRequestsParams) (*Analysis, error) {
	return runSingleCheck(ctx, args.Name, CheckTypeSlowRequests, args.Labels, args.Start, args.End)
}

var FindSlowRequests = mcpgrafana.MustTool(
	"find_slow_requests",
	"Searches relevant Tempo datasources for slow requests, waits for the analysis to complete, and returns the results.",
	findSlowRequests,
	mcp.WithTitleAnnotation("Find slow requests"),
)

func AddSiftTools(mcp *server.MCPServer) {
	CreateInvestigation.Register(mcp)
	GetInvestigation.Register(mcp)
	GetAnalyses.Register(mcp)
	FindErrorPatternLogs.Register(mcp)
	FindSlowRequests.Register(mcp)
}
