package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAsyncServesVars(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := StartAsync(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	Stops.Add(1)
	resp, err := http.Get("http://" + srv.Addr + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var vars map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	for _, k := range []string{"deploys_ok", "deploys_failed", "restarts", "stops", "persist_errors", "bots_running"} {
		assert.Contains(t, vars, k)
	}
	assert.GreaterOrEqual(t, vars["stops"], float64(1))
}
