package temperature

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestValidateRejectsImplausibleAndStale(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

	valid := &Reading{WaterTempC: f64(38.0), SourceTime: now, ReceivedAt: now}
	if err := valid.Validate(30 * time.Minute); err != nil {
		t.Errorf("valid reading rejected: %v", err)
	}

	missing := &Reading{SourceTime: now, ReceivedAt: now}
	if err := missing.Validate(0); !errors.Is(err, ErrInvalidReading) {
		t.Errorf("missing temperature: err = %v, want ErrInvalidReading", err)
	}

	tooHot := &Reading{WaterTempC: f64(85.0), SourceTime: now, ReceivedAt: now}
	if err := tooHot.Validate(0); !errors.Is(err, ErrInvalidReading) {
		t.Errorf("85C water: err = %v, want ErrInvalidReading", err)
	}

	frozen := &Reading{WaterTempC: f64(-40.0), SourceTime: now, ReceivedAt: now}
	if err := frozen.Validate(0); !errors.Is(err, ErrInvalidReading) {
		t.Errorf("-40C water: err = %v, want ErrInvalidReading", err)
	}

	stale := &Reading{WaterTempC: f64(38.0), SourceTime: now.Add(-time.Hour), ReceivedAt: now}
	if err := stale.Validate(30 * time.Minute); !errors.Is(err, ErrInvalidReading) {
		t.Errorf("stale reading: err = %v, want ErrInvalidReading", err)
	}
}

func TestConversions(t *testing.T) {
	if got := CToF(40.0); math.Abs(got-104.0) > 1e-9 {
		t.Errorf("CToF(40) = %v, want 104", got)
	}
	if got := FToC(104.0); math.Abs(got-40.0) > 1e-9 {
		t.Errorf("FToC(104) = %v, want 40", got)
	}
	r := &Reading{WaterTempC: f64(37.78)}
	if got := r.WaterTempF(); math.Abs(got-100.004) > 0.01 {
		t.Errorf("WaterTempF = %v, want ~100", got)
	}
}

func TestPushProviderStalenessJudgedAgainstNow(t *testing.T) {
	dir := t.TempDir()
	store := NewPushStore(filepath.Join(dir, "esp32-temperature.json"), 30*time.Minute)

	recorded := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	reading := &Reading{WaterTempC: f64(38.0), SourceTime: recorded, ReceivedAt: recorded}
	if err := store.Record(reading); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	p := NewPushProvider(store)

	// Fresh enough: 10 minutes after the push.
	p.SetNowFunc(func() time.Time { return recorded.Add(10 * time.Minute) })
	got, err := p.ReadCached(context.Background())
	if err != nil {
		t.Fatalf("ReadCached failed: %v", err)
	}
	if got.Source != SourcePush {
		t.Errorf("source = %q, want %q", got.Source, SourcePush)
	}

	// The same record two hours later is stale even though it was fresh
	// when stored.
	p.SetNowFunc(func() time.Time { return recorded.Add(2 * time.Hour) })
	if _, err := p.ReadCached(context.Background()); !errors.Is(err, ErrInvalidReading) {
		t.Errorf("stale push: err = %v, want ErrInvalidReading", err)
	}
}

func TestPushProviderNoReadingYet(t *testing.T) {
	dir := t.TempDir()
	store := NewPushStore(filepath.Join(dir, "esp32-temperature.json"), 30*time.Minute)
	p := NewPushProvider(store)

	if _, err := p.ReadCached(context.Background()); !errors.Is(err, ErrSensorUnavailable) {
		t.Errorf("err = %v, want ErrSensorUnavailable", err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(filepath.Join(dir, "temperature-history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := &Reading{
			WaterTempC: f64(38.0 + float64(i)),
			Source:     SourcePush,
			ReceivedAt: day.Add(time.Duration(i) * time.Hour),
		}
		if err := h.Record(r); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	// A sample on the next day must not show up.
	if err := h.Record(&Reading{WaterTempC: f64(30.0), Source: SourcePush, ReceivedAt: day.Add(25 * time.Hour)}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	rows, err := h.Day(day, time.UTC)
	if err != nil {
		t.Fatalf("Day failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].WaterTempC != 38.0 || rows[2].WaterTempC != 40.0 {
		t.Errorf("rows out of order or wrong: %+v", rows)
	}
}

func TestHistoryPrune(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHistory(filepath.Join(dir, "temperature-history.db"))
	if err != nil {
		t.Fatalf("OpenHistory failed: %v", err)
	}
	defer h.Close()

	old := time.Now().Add(-100 * 24 * time.Hour)
	if err := h.Record(&Reading{WaterTempC: f64(38.0), Source: SourcePush, ReceivedAt: old}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := h.Record(&Reading{WaterTempC: f64(39.0), Source: SourcePush, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	n, err := h.Prune(90 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestStubProvider(t *testing.T) {
	stub := NewStub(38.0)

	r, err := stub.ReadFresh(context.Background())
	if err != nil {
		t.Fatalf("ReadFresh failed: %v", err)
	}
	if *r.WaterTempC != 38.0 {
		t.Errorf("waterC = %v, want 38", *r.WaterTempC)
	}

	stub.SetErr(ErrSensorUnavailable)
	if _, err := stub.ReadFresh(context.Background()); !errors.Is(err, ErrSensorUnavailable) {
		t.Errorf("err = %v, want ErrSensorUnavailable", err)
	}
	stub.SetErr(nil)
	stub.SetWaterC(40.0)
	r, _ = stub.ReadFresh(context.Background())
	if *r.WaterTempC != 40.0 {
		t.Errorf("waterC = %v, want 40", *r.WaterTempC)
	}
	if stub.Reads() != 3 {
		t.Errorf("reads = %d, want 3", stub.Reads())
	}
}
