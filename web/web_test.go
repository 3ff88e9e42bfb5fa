package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, ctx context.Context, list ...*endpoint.Endpoint) external {
	p, err := pool.Create(pool.DefaultConfiguration(), list)
	require.NoError(t, err)
	healthC := make(chan func(*healthInternal), 10)
	go loopHealth(ctx, healthC, p)
	return external{ctx: ctx, healthC: healthC, p: p, metrics: http.NotFoundHandler()}
}

func get(e1 external, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e1.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func create(t *testing.T, name string, role endpoint.Role) *endpoint.Endpoint {
	e, err := endpoint.Create(endpoint.Configuration{
		Name:    name,
		RpcUrl:  "http://127.0.0.1:1",
		Role:    role,
		Breaker: endpoint.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})
	require.NoError(t, err)
	return e
}

func TestHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := create(t, "a", endpoint.RolePrimary)
	b := create(t, "b", endpoint.RoleReadOnly)
	e1 := testServer(t, ctx, a, b)

	require.Equal(t, http.StatusServiceUnavailable, get(e1, "/health/startup").Code)
	e1.has_started()
	require.Equal(t, http.StatusOK, get(e1, "/health/startup").Code)
	require.Equal(t, http.StatusOK, get(e1, "/health/liveness").Code)

	// the only writable endpoint is isolated
	a.Breaker().RecordFailure()
	require.Equal(t, http.StatusServiceUnavailable, get(e1, "/health/liveness").Code)
	require.Equal(t, http.StatusNotFound, get(e1, "/nothing").Code)
}

func TestStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := create(t, "a", endpoint.RolePrimary)
	a.SetHealth(endpoint.Health{Status: endpoint.Degraded, Latency: 900 * time.Millisecond, CheckedAt: time.Now()})
	e1 := testServer(t, ctx, a)

	w := get(e1, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var list []endpointReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "a", list[0].Name)
	require.Equal(t, "primary", list[0].Role)
	require.Equal(t, endpoint.Degraded.String(), list[0].Health)
	require.Equal(t, int64(900), list[0].LatencyMs)
	require.Equal(t, endpoint.BreakerClosed.String(), list[0].Breaker)
}
