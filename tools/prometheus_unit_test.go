//go:build unit

package tools

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "{}", Selector{}.String())

	s := Selector{Filters: []LabelMatcher{
		{Name: "job", Value: "api", Type: "="},
		{Name: "env", Value: "prod.*", Type: "=~"},
	}}
	assert.Equal(t, `{job='api', env=~'prod.*'}`, s.String())

	// Empty matcher type defaults to equality.
	s = Selector{Filters: []LabelMatcher{{Name: "job", Value: "api"}}}
	assert.Equal(t, `{job='api'}`, s.String())
}

func TestSelectorMatches(t *testing.T) {
	lbls := labels.FromStrings("job", "api", "env", "production")

	match, err := Selector{Filters: []LabelMatcher{
		{Name: "job", Value: "api", Type: "="},
		{Name: "env", Value: "prod.*", Type: "=~"},
	}}.Matches(lbls)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = Selector{Filters: []LabelMatcher{
		{Name: "job", Value: "api", Type: "!="},
	}}.Matches(lbls)
	require.NoError(t, err)
	assert.False(t, match)

	_, err = Selector{Filters: []LabelMatcher{
		{Name: "job", Value: "api", Type: "=="},
	}}.Matches(lbls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid matcher type")
}

func TestListPrometheusMetricNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/prom/api/v1/label/__name__/values", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"status": "success",
			"data": ["go_gc_duration_seconds", "node_load1", "node_load5", "up"]
		}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)

	t.Run("regex filter", func(t *testing.T) {
		names, err := listPrometheusMetricNames(ctx, ListPrometheusMetricNamesParams{
			DatasourceUID: "prom",
			Regex:         "^node_",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"node_load1", "node_load5"}, names)
	})

	t.Run("pagination", func(t *testing.T) {
		names, err := listPrometheusMetricNames(ctx, ListPrometheusMetricNamesParams{
			DatasourceUID: "prom",
			Limit:         2,
			Page:          2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"node_load5", "up"}, names)
	})

	t.Run("page past the end", func(t *testing.T) {
		names, err := listPrometheusMetricNames(ctx, ListPrometheusMetricNamesParams{
			DatasourceUID: "prom",
			Limit:         10,
			Page:          5,
		})
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("invalid regex", func(t *testing.T) {
		_, err := listPrometheusMetricNames(ctx, ListPrometheusMetricNamesParams{
			DatasourceUID: "prom",
			Regex:         "(",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compiling regex")
	})
}

func TestListPrometheusLabelNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/prom/api/v1/labels", r.URL.Path)
		assert.Equal(t, `{job='api'}`, r.URL.Query().Get("match[]"))
		_, _ = w.Write([]byte(`{"status": "success", "data": ["__name__", "env", "job"]}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	names, err := listPrometheusLabelNames(ctx, ListPrometheusLabelNamesParams{
		DatasourceUID: "prom",
		Matches: []Selector{
			{Filters: []LabelMatcher{{Name: "job", Value: "api", Type: "="}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"__name__", "env", "job"}, names)
}

func TestListPrometheusLabelValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/prom/api/v1/label/env/values", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "success", "data": ["production", "staging"]}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	values, err := listPrometheusLabelValues(ctx, ListPrometheusLabelValuesParams{
		DatasourceUID: "prom",
		LabelName:     "env",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"production", "staging"}, values)
}
