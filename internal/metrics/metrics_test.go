package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConnection struct {
	status   string
	badMagic uint64
}

func (f fakeConnection) StatusString() string  { return f.status }
func (f fakeConnection) BadMagicCount() uint64 { return f.badMagic }

type fakeState struct{ calls, agents, groups int }

func (f fakeState) ActiveCallCount() int { return f.calls }
func (f fakeState) AgentCount() int      { return f.agents }
func (f fakeState) GroupCount() int      { return f.groups }

type fakeCorrelation struct {
	byID, byWindow, standalone, evicted, errs uint64
	pending                                   int
}

func (f fakeCorrelation) Stats() (uint64, uint64, uint64, uint64) {
	return f.byID, f.byWindow, f.standalone, f.evicted
}
func (f fakeCorrelation) ErrorCount() uint64 { return f.errs }
func (f fakeCorrelation) PendingCount() int  { return f.pending }

func TestCollectorAllProviders(t *testing.T) {
	c := NewCollector(
		fakeConnection{status: "subscribed", badMagic: 3},
		fakeState{calls: 4, agents: 7, groups: 2},
		nil,
		fakeCorrelation{byID: 10, byWindow: 2, standalone: 1, errs: 4, pending: 5},
		nil,
		time.Now(),
	)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expected := `
# HELP callsight_active_calls Number of live calls tracked in memory
# TYPE callsight_active_calls gauge
callsight_active_calls 4
# HELP callsight_agents Number of agents tracked in memory
# TYPE callsight_agents gauge
callsight_agents 7
# HELP callsight_hunt_groups Number of hunt groups tracked in memory
# TYPE callsight_hunt_groups gauge
callsight_hunt_groups 2
# HELP callsight_devlink_bad_magic_total Bytes discarded resynchronising the DevLink3 frame stream
# TYPE callsight_devlink_bad_magic_total counter
callsight_devlink_bad_magic_total 3
# HELP callsight_correlation_errors_total Correlation engine handler failures
# TYPE callsight_correlation_errors_total counter
callsight_correlation_errors_total 4
# HELP callsight_correlation_pending Ended calls awaiting their SMDR record
# TYPE callsight_correlation_pending gauge
callsight_correlation_pending 5
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"callsight_active_calls", "callsight_agents", "callsight_hunt_groups",
		"callsight_devlink_bad_magic_total", "callsight_correlation_errors_total",
		"callsight_correlation_pending")
	if err != nil {
		t.Errorf("unexpected metric values: %v", err)
	}
}

func TestCollectorConnectionStateLabels(t *testing.T) {
	c := NewCollector(fakeConnection{status: "wait_backoff"}, nil, nil, nil, nil, time.Now())
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "callsight_devlink_connection_status" {
			continue
		}
		if len(fam.Metric) != len(connectionStates) {
			t.Fatalf("got %d state series, want %d", len(fam.Metric), len(connectionStates))
		}
		for _, m := range fam.Metric {
			state := m.Label[0].GetValue()
			val := m.Gauge.GetValue()
			if state == "wait_backoff" && val != 1 {
				t.Errorf("current state gauge = %v", val)
			}
			if state != "wait_backoff" && val != 0 {
				t.Errorf("state %s gauge = %v, want 0", state, val)
			}
		}
		return
	}
	t.Fatal("connection status family not gathered")
}

func TestCollectorNilProvidersStillServesUptime(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, nil, time.Now().Add(-time.Minute))
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather with nil providers: %v", err)
	}
	if len(families) != 1 || families[0].GetName() != "callsight_uptime_seconds" {
		t.Fatalf("families = %v", families)
	}
	if up := families[0].Metric[0].Gauge.GetValue(); up < 59 {
		t.Errorf("uptime = %v, want about 60", up)
	}
}
