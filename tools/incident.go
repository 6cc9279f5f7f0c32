package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

type incidentPreviewQuery struct {
	Limit          int    `json:"limit,omitempty"`
	OrderDirection string `json:"orderDirection,omitempty"`
	QueryString    string `json:"queryString,omitempty"`
}

type queryIncidentPreviewsRequest struct {
	Query                    incidentPreviewQuery `json:"query"`
	IncludeCustomFieldValues bool                 `json:"includeCustomFieldValues"`
}

type ListIncidentsParams struct {
	Limit  int    `json:"limit,omitempty" jsonschema:"description=The maximum number of incidents to return"`
	Drill  bool   `json:"drill,omitempty" jsonschema:"description=Whether to include drill incidents"`
	Status string `json:"status,omitempty" jsonschema:"description=The status of the incidents to include. Valid values: 'active'\\, 'resolved'"`
}

func listIncidents(ctx context.Context, args ListIncidentsParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	if args.Limit == 0 {
		args.Limit = 10
	}
	queryString := ""
	if !args.Drill {
		queryString = "isdrill:false"
	}
	if args.Status != "" {
		if queryString != "" {
			queryString += " and "
		}
		queryString += fmt.Sprintf("status:%s", args.Status)
	}
	body := queryIncidentPreviewsRequest{
		Query: incidentPreviewQuery{
			Limit:          args.Limit,
			OrderDirection: "DESC",
			QueryString:    queryString,
		},
		IncludeCustomFieldValues: true,
	}
	buf, err := c.QueryIncidentPreviews(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	return json.RawMessage(buf), nil
}

var ListIncidents = mcpgrafana.MustTool(
	"list_incidents",
	"List incidents from Grafana Incident. Allows filtering by status ('active' or 'resolved') and optionally including drill incidents. Returns a preview of each incident including title, status and severity.",
	listIncidents,
	mcp.WithTitleAnnotation("List incidents"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type createIncidentArguments struct {
	Title         string          `json:"title"`
	Severity      string          `json:"severity,omitempty"`
	RoomPrefix    string          `json:"roomPrefix,omitempty"`
	IsDrill       bool            `json:"isDrill"`
	Status        string          `json:"status,omitempty"`
	AttachCaption string          `json:"attachCaption,omitempty"`
	AttachURL     string          `json:"attachUrl,omitempty"`
	Labels        []incidentLabel `json:"labels,omitempty"`
}

type incidentLabel struct {
	Label string `json:"label"`
}

type CreateIncidentParams struct {
	Title         string   `json:"title" jsonschema:"description=The title of the incident"`
	Severity      string   `json:"severity,omitempty" jsonschema:"description=The severity of the incident"`
	RoomPrefix    string   `json:"roomPrefix,omitempty" jsonschema:"description=The prefix of the room to create the incident in"`
	IsDrill       bool     `json:"isDrill,omitempty" jsonschema:"description=Whether the incident is a drill incident"`
	Status        string   `json:"status,omitempty" jsonschema:"description=The status of the incident"`
	AttachCaption string   `json:"attachCaption,omitempty" jsonschema:"description=The caption of the attachment"`
	AttachURL     string   `json:"attachUrl,omitempty" jsonschema:"description=The URL of the attachment"`
	Labels        []string `json:"labels,omitempty" jsonschema:"description=Labels to add to the incident"`
}

func createIncident(ctx context.Context, args CreateIncidentParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	labels := make([]incidentLabel, 0, len(args.Labels))
	for _, l := range args.Labels {
		labels = append(labels, incidentLabel{Label: l})
	}
	body := createIncidentArguments{
		Title:         args.Title,
		Severity:      args.Severity,
		RoomPrefix:    args.RoomPrefix,
		IsDrill:       args.IsDrill,
		Status:        args.Status,
		AttachCaption: args.AttachCaption,
		AttachURL:     args.AttachURL,
		Labels:        labels,
	}
	buf, err := c.CreateIncident(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}
	return json.RawMessage(buf), nil
}

var CreateIncident = mcpgrafana.MustTool(
	"create_incident",
	"Create a new incident in Grafana Incident. Requires a title; severity, status, labels and an attachment URL are optional.",
	createIncident,
	mcp.WithTitleAnnotation("Create an incident"),
)

type addActivityToIncidentArguments struct {
	IncidentID   string `json:"incidentID"`
	ActivityKind string `json:"activityKind"`
	Body         string `json:"body"`
	EventTime    string `json:"eventTime,omitempty"`
}

type AddActivityToIncidentParams struct {
	IncidentID string `json:"incidentId" jsonschema:"description=The ID of the incident to add the activity to"`
	Body       string `json:"body" jsonschema:"description=The body of the activity. URLs will be parsed and attached as context"`
	EventTime  string `json:"eventTime,omitempty" jsonschema:"description=The time that the activity occurred. If not provided\\, the current time will be used. If provided\\, it must be in RFC3339 format"`
}

func addActivityToIncident(ctx context.Context, args AddActivityToIncidentParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	body := addActivityToIncidentArguments{
		IncidentID:   args.IncidentID,
		ActivityKind: "userNote",
		Body:         args.Body,
		EventTime:    args.EventTime,
	}
	buf, err := c.AddIncidentActivity(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("adding activity to incident: %w", err)
	}
	return json.RawMessage(buf), nil
}

var AddActivityToIncident = mcpgrafana.MustTool(
	"add_activity_to_incident",
	"Add a note (userNote activity) to an existing incident's timeline using its ID. The note body can include URLs which will be attached as context.",
	addActivityToIncident,
	mcp.WithTitleAnnotation("Add activity to incident"),
)

type CloseIncidentParams struct {
	IncidentID string `json:"incidentId" jsonschema:"description=The ID of the incident to close"`
	Summary    string `json:"summary" jsonschema:"description=A summary of the incident outcome"`
}

func closeIncident(ctx context.Context, args CloseIncidentParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	buf, err := c.CloseIncident(ctx, args.IncidentID, args.Summary)
	if err != nil {
		return nil, fmt.Errorf("closing incident: %w", err)
	}
	return json.RawMessage(buf), nil
}

var CloseIncident = mcpgrafana.MustTool(
	"close_incident",
	"Close an incident in Grafana Incident, recording a summary of the outcome.",
	closeIncident,
	mcp.WithTitleAnnotation("Close an incident"),
)

func AddIncidentTools(mcp *server.MCPServer) {
	ListIncidents.Register(mcp)
	CreateIncident.Register(mcp)
	AddActivityToIncident.Register(mcp)
	CloseIncident.Register(mcp)
}
