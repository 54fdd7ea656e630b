package automation

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"podsd/internal/proximity"
	"podsd/internal/resolver"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConnector struct {
	mu          sync.Mutex
	connects    []uint16
	disconnects []uint16
}

func (f *fakeConnector) Connect(_ context.Context, id uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, id)
	return nil
}

func (f *fakeConnector) Disconnect(_ context.Context, id uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, id)
	return nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newTestEngine(t *testing.T) (*Engine, *resolver.Resolver, *fakeConnector) {
	t.Helper()
	res := resolver.New(resolver.Options{Debounce: time.Nanosecond}, newTestLogger())
	conn := &fakeConnector{}
	e := NewEngine(res, conn, newTestLogger())
	t.Cleanup(e.Stop)
	return e, res, conn
}

func TestScriptReceivesNotifications(t *testing.T) {
	e, res, conn := newTestEngine(t)

	err := e.StartScript("autoconnect.lua", `
		pods.on("discovered", function(ev)
			if ev.lid_open then
				pods.connect(ev.model_id)
			end
		end)
	`)
	if err != nil {
		t.Fatal(err)
	}
	e.unsub = res.Subscribe(e.dispatch)

	res.ReportEnrichment(resolver.Enrichment{
		ModelID: uint16(proximity.ModelAirPodsPro2),
		Model:   proximity.ModelAirPodsPro2,
		LidOpen: true,
	})

	waitFor(t, func() bool { return conn.connectCount() == 1 })
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.connects[0] != uint16(proximity.ModelAirPodsPro2) {
		t.Errorf("connected model = 0x%04X, want 0x2014", conn.connects[0])
	}
}

func TestReasonFilter(t *testing.T) {
	e, res, conn := newTestEngine(t)

	err := e.StartScript("filter.lua", `
		pods.on("user_disconnected", function(ev)
			pods.connect(ev.model_id)
		end)
	`)
	if err != nil {
		t.Fatal(err)
	}
	e.unsub = res.Subscribe(e.dispatch)

	// discovered must not match the user_disconnected handler.
	res.ReportEnrichment(resolver.Enrichment{
		ModelID: uint16(proximity.ModelAirPods2),
		Model:   proximity.ModelAirPods2,
	})

	time.Sleep(50 * time.Millisecond)
	if got := conn.connectCount(); got != 0 {
		t.Errorf("handler fired %d times for non-matching reason", got)
	}
}

func TestModelFilter(t *testing.T) {
	e, res, conn := newTestEngine(t)

	err := e.StartScript("permodel.lua", `
		pods.on("*", 0x2014, function(ev)
			pods.connect(ev.model_id)
		end)
	`)
	if err != nil {
		t.Fatal(err)
	}
	e.unsub = res.Subscribe(e.dispatch)

	res.ReportEnrichment(resolver.Enrichment{
		ModelID: uint16(proximity.ModelAirPods2),
		Model:   proximity.ModelAirPods2,
	})
	res.ReportEnrichment(resolver.Enrichment{
		ModelID: uint16(proximity.ModelAirPodsPro2),
		Model:   proximity.ModelAirPodsPro2,
	})

	waitFor(t, func() bool { return conn.connectCount() == 1 })
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.connects[0] != 0x2014 {
		t.Errorf("matched model = 0x%04X, want 0x2014", conn.connects[0])
	}
}

func TestScriptSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)

	err := e.StartScript("sandbox.lua", `
		if os ~= nil or io ~= nil or require ~= nil then
			error("sandbox leak")
		end
	`)
	if err != nil {
		t.Fatal(err)
	}
}

func TestScriptSyntaxError(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.StartScript("bad.lua", `this is not lua`); err == nil {
		t.Fatal("expected error for invalid script")
	}
}

func TestScriptGetState(t *testing.T) {
	e, res, conn := newTestEngine(t)

	res.ReportEnrichment(resolver.Enrichment{
		ModelID:     uint16(proximity.ModelAirPodsMax),
		Model:       proximity.ModelAirPodsMax,
		LeftBattery: 2,
	})

	// Reading state at load time: connect if the battery is low.
	err := e.StartScript("lowbatt.lua", `
		local s = pods.get(0x200A)
		if s ~= nil and s.left_battery <= 2 then
			pods.connect(s.model_id)
		end
	`)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return conn.connectCount() == 1 })
}
