package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

const (
	// DefaultElasticsearchLimit is the default number of documents to return if not specified
	DefaultElasticsearchLimit = 10

	// MaxElasticsearchLimit is the maximum number of documents that can be requested
	MaxElasticsearchLimit = 100
)

// ElasticsearchResponse represents a generic Elasticsearch search response
type ElasticsearchResponse struct {
	Took     int                    `json:"took"`
	TimedOut bool                   `json:"timed_out"`
	Status   int                    `json:"status"`
	Error    interface{}            `json:"error,omitempty"`
	Shards   map[string]interface{} `json:"_shards"`
	Hits     struct {
		Total struct {
			Value    int    `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		MaxScore *float64                 `json:"max_score"`
		Hits     []map[string]interface{} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]interface{} `json:"aggregations,omitempty"`
}

// ElasticsearchDocument represents a single document from search results
type ElasticsearchDocument struct {
	Index     string                 `json:"_index"`
	ID        string                 `json:"_id"`
	Score     *float64               `json:"_score,omitempty"`
	Source    map[string]interface{} `json:"_source"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// msearchResponse represents the response from the Elasticsearch _msearch API
type msearchResponse struct {
	Took      int                     `json:"took"`
	Responses []ElasticsearchResponse `json:"responses"`
}

// elasticsearchSearch performs a search through the datasource proxy using
// the _msearch API. Grafana's proxy only allows POST requests to /_msearch
// for Elasticsearch datasources.
func elasticsearchSearch(ctx context.Context, uid, index, query string, startTime, endTime *time.Time, size int) (*ElasticsearchResponse, error) {
	if _, err := getDatasourceByUID(ctx, GetDatasourceByUIDParams{UID: uid}); err != nil {
		return nil, err
	}

	searchQuery := buildElasticsearchQuery(query, startTime, endTime, size)

	// NDJSON payload: header line with index info, then the query body, each
	// on its own line and newline terminated.
	header := map[string]interface{}{
		"index":              index,
		"ignore_unavailable": true,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshalling header: %w", err)
	}
	queryBytes, err := json.Marshal(searchQuery)
	if err != nil {
		return nil, fmt.Errorf("marshalling query: %w", err)
	}

	var payload bytes.Buffer
	payload.Write(headerBytes)
	payload.WriteByte('\n')
	payload.Write(queryBytes)
	payload.WriteByte('\n')

	c := mcpgrafana.APIClientFromContext(ctx)
	path := fmt.Sprintf("/api/datasources/proxy/uid/%s/_msearch", uid)
	body, err := c.PostRaw(ctx, path, "application/x-ndjson", payload.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("executing Elasticsearch search: %w", err)
	}

	var msearchResp msearchResponse
	if err := json.Unmarshal(body, &msearchResp); err != nil {
		return nil, fmt.Errorf("unmarshalling response: %w", err)
	}

	// One query is sent so one response is expected.
	if len(msearchResp.Responses) == 0 {
		return nil, fmt.Errorf("no responses returned from _msearch")
	}

	esResp := &msearchResp.Responses[0]
	if esResp.Error != nil {
		return nil, fmt.Errorf("elasticsearch query error: %v", esResp.Error)
	}
	return esResp, nil
}

// buildElasticsearchQuery constructs an Elasticsearch query DSL JSON object
func buildElasticsearchQuery(query string, startTime, endTime *time.Time, size int) map[string]interface{} {
	esQuery := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{
			{
				"@timestamp": map[string]string{
					"order": "desc",
				},
			},
		},
	}

	var queryClause map[string]interface{}

	if startTime != nil || endTime != nil || query != "" {
		mustClauses := []map[string]interface{}{}

		if startTime != nil || endTime != nil {
			rangeQuery := map[string]interface{}{
				"@timestamp": map[string]interface{}{},
			}
			if startTime != nil {
				rangeQuery["@timestamp"].(map[string]interface{})["gte"] = startTime.Format(time.RFC3339)
			}
			if endTime != nil {
				rangeQuery["@timestamp"].(map[string]interface{})["lte"] = endTime.Format(time.RFC3339)
			}
			mustClauses = append(mustClauses, map[string]interface{}{
				"range": rangeQuery,
			})
		}

		if query != "" {
			// Valid JSON is used directly as Query DSL, anything else is
			// treated as a Lucene query string.
			var parsedQuery map[string]interface{}
			if err := json.Unmarshal([]byte(query), &parsedQuery); err == nil {
				mustClauses = append(mustClauses, parsedQuery)
			} else {
				mustClauses = append(mustClauses, map[string]interface{}{
					"query_string": map[string]interface{}{
						"query": query,
					},
				})
			}
		}

		queryClause = map[string]interface{}{
			"bool": map[string]interface{}{
				"must": mustClauses,
			},
		}
	} else {
		queryClause = map[string]interface{}{
			"match_all": map[string]interface{}{},
		}
	}

	esQuery["query"] = queryClause

	return esQuery
}

// QueryElasticsearchParams defines the parameters for querying Elasticsearch
type QueryElasticsearchParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the Elasticsearch datasource to query"`
	Index         string `json:"index" jsonschema:"required,description=The index pattern to search (e.g.\\, 'logs-*'\\, 'filebeat-*'\\, or a specific index name)"`
	Query         string `json:"query" jsonschema:"required,description=The search query. Can be either Lucene query syntax (e.g.\\, 'status:200 AND host:server1') or Elasticsearch Query DSL JSON (for advanced queries with aggregations)"`
	StartTime     string `json:"startTime,omitempty" jsonschema:"description=Optionally\\, the start time in RFC3339 format (e.g.\\, '2024-01-01T00:00:00Z'). Filters results to documents with @timestamp >= this value"`
	EndTime       string `json:"endTime,omitempty" jsonschema:"description=Optionally\\, the end time in RFC3339 format (e.g.\\, '2024-01-01T23:59:59Z'). Filters results to documents with @timestamp <= this value"`
	Limit         int    `json:"limit,omitempty" jsonschema:"default=10,description=Optionally\\, the maximum number of documents to return (max: 100\\, default: 10)"`
}

// queryElasticsearch executes a search query against an Elasticsearch datasource
func queryElasticsearch(ctx context.Context, args QueryElasticsearchParams) ([]ElasticsearchDocument, error) {
	var startTime, endTime *time.Time
	if args.StartTime != "" {
		t, err := time.Parse(time.RFC3339, args.StartTime)
		if err != nil {
			return nil, fmt.Errorf("parsing start time: %w", err)
		}
		startTime = &t
	}
	if args.EndTime != "" {
		t, err := time.Parse(time.RFC3339, args.EndTime)
		if err != nil {
			return nil, fmt.Errorf("parsing end time: %w", err)
		}
		endTime = &t
	}

	limit := args.Limit
	if limit <= 0 {
		limit = DefaultElasticsearchLimit
	}
	if limit > MaxElasticsearchLimit {
		limit = MaxElasticsearchLimit
	}

	response, err := elasticsearchSearch(ctx, args.DatasourceUID, args.Index, args.Query, startTime, endTime, limit)
	if err != nil {
		return nil, err
	}

	documents := make([]ElasticsearchDocument, 0, len(response.Hits.Hits))
	for _, hit := range response.Hits.Hits {
		doc := ElasticsearchDocument{
			Source: make(map[string]interface{}),
		}

		if index, ok := hit["_index"].(string); ok {
			doc.Index = index
		}
		if id, ok := hit["_id"].(string); ok {
			doc.ID = id
		}
		if score, ok := hit["_score"].(float64); ok {
			doc.Score = &score
		}

		if source, ok := hit["_source"].(map[string]interface{}); ok {
			doc.Source = source
			// The timestamp can be a string or numeric epoch millis.
			switch ts := source["@timestamp"].(type) {
			case string:
				doc.Timestamp = ts
			case float64:
				sec := int64(ts) / 1000
				nsec := (int64(ts) % 1000) * int64(time.Millisecond)
				doc.Timestamp = time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
			}
		}

		if fields, ok := hit["fields"].(map[string]interface{}); ok {
			doc.Fields = fields
		}

		documents = append(documents, doc)
	}

	return documents, nil
}

// QueryElasticsearch is a tool for querying Elasticsearch datasources
var QueryElasticsearch = mcpgrafana.MustTool(
	"query_elasticsearch",
	"Executes a search query against an Elasticsearch datasource and retrieves matching documents. Supports both Lucene query syntax (e.g., 'status:200 AND host:server1') and Elasticsearch Query DSL JSON for complex queries. Returns a list of documents with their index, ID, source fields, and optional score. Use this to search logs, metrics, or any indexed data stored in Elasticsearch. Defaults to 10 results and sorts by @timestamp in descending order (newest first).",
	queryElasticsearch,
	mcp.WithTitleAnnotation("Query Elasticsearch"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// AddElasticsearchTools registers all Elasticsearch tools with the MCP server
func AddElasticsearchTools(mcp *server.MCPServer) {
	QueryElasticsearch.Register(mcp)
}
