package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/delta3"
	"github.com/callsight/callsight/internal/state"
)

func testCore(t *testing.T) *state.Core {
	t.Helper()
	core := state.NewCore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	core.Apply(&delta3.Detail{
		Call:   delta3.CallInfo{CallID: 12345, State: delta3.StateConnected, Stamp: 1707573600, ConnStamp: 1707573610},
		PartyA: delta3.Party{EqType: delta3.EqSIPDevice, Direction: "I", Number: "201"},
		PartyB: delta3.Party{EqType: delta3.EqSIPTrunk},
	})
	return core
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var env envelope
	if rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return rr, env
}

func TestHealthWithoutDevLink(t *testing.T) {
	s := NewServer(testCore(t), nil, nil, nil, nil, nil)

	rr, env := get(t, s, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data type %T", env.Data)
	}
	if data["status"] != "ok" {
		t.Errorf("status = %v", data["status"])
	}
	if data["devlink_status"] != "disabled" {
		t.Errorf("devlink_status = %v", data["devlink_status"])
	}
	if data["active_calls"] != float64(1) {
		t.Errorf("active_calls = %v", data["active_calls"])
	}
}

func TestActiveCalls(t *testing.T) {
	s := NewServer(testCore(t), nil, nil, nil, nil, nil)

	rr, _ := get(t, s, "/api/v1/calls/active")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Data []models.Call `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("got %d calls", len(resp.Data))
	}
	call := resp.Data[0]
	if call.ExternalCallID != "12345" || call.State != models.CallStateConnected {
		t.Errorf("call = %+v", call)
	}
	if call.Direction != models.DirectionInbound {
		t.Errorf("Direction = %s", call.Direction)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	s := NewServer(testCore(t), nil, nil, nil, nil, nil)

	rr, _ := get(t, s, "/api/v1/agents")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Data []models.Agent `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Extension != "201" {
		t.Errorf("agents = %+v", resp.Data)
	}
	if resp.Data[0].CurrentState != models.AgentTalking {
		t.Errorf("state = %s", resp.Data[0].CurrentState)
	}
}

func TestEndpointsUnavailableWithoutCore(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil)

	for _, path := range []string{"/api/v1/calls/active", "/api/v1/agents", "/api/v1/groups"} {
		rr, env := get(t, s, path)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rr.Code)
		}
		if env.Error == "" {
			t.Errorf("%s error message empty", path)
		}
	}
}

func TestCorrelationUnavailableWithoutEngine(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, nil)
	rr, _ := get(t, s, "/api/v1/correlation")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewServer(nil, nil, nil, nil, nil, reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rr.Code)
	}

	// Without a registry the route is not mounted at all.
	s = NewServer(nil, nil, nil, nil, nil, nil)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("metrics without registry = %d, want 404", rr.Code)
	}
}
