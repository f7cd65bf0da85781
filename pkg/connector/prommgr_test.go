package connector

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusManager_Handler(t *testing.T) {
	pm := PrometheusManager{}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "records_dropped_total"})
	untracked := prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_untracked_total"})
	pm.Register(9090, "/internal", dropped)
	pm.Register(9090, "", untracked)
	dropped.Add(3)

	srv := httptest.NewServer(pm.Handler(9090))
	defer srv.Close()

	body := get(t, srv.URL+"/internal")
	assert.Contains(t, body, "records_dropped_total 3")
	assert.NotContains(t, body, "requests_untracked_total")

	body = get(t, srv.URL+"/metrics")
	assert.Contains(t, body, "requests_untracked_total 0")

	resp, err := http.Get(srv.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
