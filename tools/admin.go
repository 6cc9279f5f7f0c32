package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/grafana/grafana-openapi-client-go/client/teams"
	mcpgrafana "github.com/grafana/mcp-grafana"
)

type ListTeamsParams struct {
	Query string `json:"query" jsonschema:"description=The query to search for teams. Can be left empty to fetch all teams"`
}

// teamSummary is the trimmed view of a team returned to clients. The full
// DTO carries permission and avatar fields that only add noise here.
type teamSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	MemberCount int64  `json:"memberCount"`
}

type teamSearchResult struct {
	Teams      []teamSummary `json:"teams"`
	TotalCount int64         `json:"totalCount"`
}

func listTeams(ctx context.Context, args ListTeamsParams) (*teamSearchResult, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)
	params := teams.NewSearchTeamsParamsWithContext(ctx)
	if args.Query != "" {
		params.SetQuery(&args.Query)
	}
	search, err := c.Teams.SearchTeams(params)
	if err != nil {
		return nil, fmt.Errorf("search teams for %q: %w", args.Query, err)
	}

	result := &teamSearchResult{
		Teams:      make([]teamSummary, 0, len(search.Payload.Teams)),
		TotalCount: search.Payload.TotalCount,
	}
	for _, team := range search.Payload.Teams {
		result.Teams = append(result.Teams, teamSummary{
			ID:          team.ID,
			Name:        team.Name,
			Email:       team.Email,
			MemberCount: team.MemberCount,
		})
	}
	return result, nil
}

var ListTeams = mcpgrafana.MustTool(
	"list_teams",
	"Search for Grafana teams by a query string. Returns matching teams with their ID, name, email and member count.",
	listTeams,
	mcp.WithTitleAnnotation("List teams"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type ListUsersByOrgParams struct{}

// orgUserSummary is the trimmed view of an organization member.
type orgUserSummary struct {
	UserID        int64  `json:"userId"`
	Login         string `json:"login"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role"`
	LastSeenAtAge string `json:"lastSeenAtAge,omitempty"`
}

func listUsersByOrg(ctx context.Context, args ListUsersByOrgParams) ([]orgUserSummary, error) {
	c := mcpgrafana.GrafanaClientFromContext(ctx)

	search, err := c.Org.GetOrgUsersForCurrentOrg()
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	users := make([]orgUserSummary, 0, len(search.Payload))
	for _, user := range search.Payload {
		users = append(users, orgUserSummary{
			UserID:        user.UserID,
			Login:         user.Login,
			Name:          user.Name,
			Email:         user.Email,
			Role:          user.Role,
			LastSeenAtAge: user.LastSeenAtAge,
		})
	}
	return users, nil
}

var ListUsersByOrg = mcpgrafana.MustTool(
	"list_users_by_org",
	"List users in the current organization. Returns each user's ID, login, email, role and last-seen age.",
	listUsersByOrg,
	mcp.WithTitleAnnotation("List users by organization"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddAdminTools(mcp *server.MCPServer) {
	ListTeams.Register(mcp)
	ListUsersByOrg.Register(mcp)
}
