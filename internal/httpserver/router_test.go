package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpaflow/orchestrator-core/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"*"}, ParseOrigins(""))
	require.Equal(t, []string{"*"}, ParseOrigins("*"))
	require.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example , https://b.example "))
	require.Equal(t, []string{"*"}, ParseOrigins(" , , "))
}

func TestBuildRouter_HealthzIsReachableWithoutAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	router := BuildRouter(s.Cfg, s)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestBuildRouter_AdminAPIRequiresTokenWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := defaultAdminCfg()
	s := NewServer(cfg, &fakeQueue{}, nil, nil, nil)
	router := BuildRouter(cfg, s)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func defaultAdminCfg() config.Config {
	return config.Config{
		AdminUsername:      "admin",
		AdminPassword:      "pw",
		AdminSessionSecret: "secret",
		RateLimitPerMin:    120,
	}
}
