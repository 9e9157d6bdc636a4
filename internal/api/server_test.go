package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentfleet/internal/api/health"
	"agentfleet/internal/metrics"
)

func TestServerRoutes(t *testing.T) {
	metrics.Init()
	srv := NewServer(ServerConfig{ServiceName: "agentfleet", Version: "test"}, health.New(health.Options{}))

	tests := []struct {
		path string
		code int
	}{
		{"/", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
