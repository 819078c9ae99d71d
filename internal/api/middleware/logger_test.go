package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/api/middleware"
)

func TestLoggerCarriesAgentIdentity(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	handler := middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws?agent_id=cline-7", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	if !strings.Contains(line, `"agent_id":"cline-7"`) {
		t.Errorf("log line %q is missing the agent identity", line)
	}
	if !strings.Contains(line, `"path":"/ws"`) || !strings.Contains(line, `"status":200`) {
		t.Errorf("log line %q is missing request fields", line)
	}
}

func TestLoggerErrorLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	handler := middleware.Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	if line := buf.String(); !strings.Contains(line, `"level":"error"`) {
		t.Errorf("log line %q for a 500 is not at error level", line)
	}
}
