package history

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"podsd/internal/proximity"
	"podsd/internal/resolver"
)

func newTestRecorder(t *testing.T, minInterval time.Duration) *Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r, err := Open(path, minInterval, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAppendAndSamples(t *testing.T) {
	r := newTestRecorder(t, time.Millisecond)
	id := uint16(proximity.ModelAirPodsPro2)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		r.Append(id, Sample{
			Time:         base.Add(time.Duration(i) * time.Minute),
			LeftBattery:  proximity.BatteryLevel(10 - i),
			RightBattery: proximity.BatteryLevel(10 - i),
			CaseBattery:  9,
		})
	}

	samples, err := r.Samples(id, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 5 {
		t.Fatalf("samples = %d, want 5", len(samples))
	}
	if samples[0].LeftBattery != 10 || samples[4].LeftBattery != 6 {
		t.Error("samples not ordered oldest first")
	}

	// since filters older samples out.
	samples, err = r.Samples(id, base.Add(3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Errorf("filtered samples = %d, want 2", len(samples))
	}
}

func TestSamplesUnknownDevice(t *testing.T) {
	r := newTestRecorder(t, time.Millisecond)
	samples, err := r.Samples(0x2002, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 0 {
		t.Errorf("samples = %d, want 0", len(samples))
	}
}

func TestMinIntervalThrottles(t *testing.T) {
	r := newTestRecorder(t, time.Minute)
	id := uint16(proximity.ModelAirPods2)
	base := time.Unix(1700000000, 0)

	r.Append(id, Sample{Time: base, LeftBattery: 8})
	r.Append(id, Sample{Time: base.Add(time.Second), LeftBattery: 7})  // dropped
	r.Append(id, Sample{Time: base.Add(2 * time.Minute), LeftBattery: 6})

	samples, err := r.Samples(id, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Errorf("samples = %d, want 2 (throttled)", len(samples))
	}
}

func TestPrune(t *testing.T) {
	r := newTestRecorder(t, time.Millisecond)
	id := uint16(proximity.ModelAirPodsMax)
	base := time.Unix(1700000000, 0)

	r.Append(id, Sample{Time: base, LeftBattery: 5})
	r.Append(id, Sample{Time: base.Add(time.Hour), LeftBattery: 4})

	if err := r.Prune(base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	samples, err := r.Samples(id, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples after prune = %d, want 1", len(samples))
	}
	if samples[0].LeftBattery != 4 {
		t.Error("prune removed the wrong sample")
	}
}

func TestAttachRecordsEnrichment(t *testing.T) {
	rec := newTestRecorder(t, time.Millisecond)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	res := resolver.New(resolver.Options{}, logger)
	rec.Attach(res)

	res.ReportEnrichment(resolver.Enrichment{
		ModelID:      uint16(proximity.ModelAirPodsPro),
		Model:        proximity.ModelAirPodsPro,
		LeftBattery:  6,
		RightBattery: 7,
		CaseBattery:  8,
		CapturedAt:   time.Unix(1700000000, 0),
	})

	samples, err := rec.Samples(uint16(proximity.ModelAirPodsPro), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(samples))
	}
	if samples[0].RightBattery != 7 {
		t.Errorf("right battery = %d, want 7", samples[0].RightBattery)
	}
}
