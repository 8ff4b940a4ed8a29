package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerRecordsAgentIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// Simulates the auth middleware running inside the logger.
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ReportAgent(r.Context(), "agent-123")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/messages/inbox", nil)
	rec := httptest.NewRecorder()
	Logger(logger)(inner).ServeHTTP(rec, req)

	line := buf.String()
	if !strings.Contains(line, `"agent_id":"agent-123"`) {
		t.Fatalf("log line missing agent identity: %s", line)
	}
	if !strings.Contains(line, `"path":"/messages/inbox"`) {
		t.Fatalf("log line missing path: %s", line)
	}
}

func TestLoggerOmitsAgentWhenUnauthenticated(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	req := httptest.NewRequest("GET", "/messages/inbox", nil)
	rec := httptest.NewRecorder()
	Logger(logger)(inner).ServeHTTP(rec, req)

	line := buf.String()
	if strings.Contains(line, "agent_id") {
		t.Fatalf("unexpected agent field on unauthenticated request: %s", line)
	}
	if !strings.Contains(line, `"status":401`) {
		t.Fatalf("log line missing status: %s", line)
	}
}

func TestReportAgentOutsideLoggedRequest(t *testing.T) {
	// Must not panic when no logger wrapped the request.
	req := httptest.NewRequest("GET", "/", nil)
	ReportAgent(req.Context(), "agent-123")
}
