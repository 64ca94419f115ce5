package temperature

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
	"github.com/roelfdiedericks/hottubd/internal/paths"
)

// Check-in cadence returned to the microcontroller, in seconds. The device
// self-paces on the interval the last response carried.
const (
	IntervalHeaterOn  = 60
	IntervalHeaterOff = 300
	IntervalPrecision = 15
)

// PushStore persists the latest microcontroller reading. Single writer (the
// push endpoint), many readers; writes are atomic replace.
type PushStore struct {
	mu        sync.Mutex
	path      string
	staleness time.Duration
}

// NewPushStore creates a store at path with the given staleness bound.
func NewPushStore(path string, staleness time.Duration) *PushStore {
	return &PushStore{path: path, staleness: staleness}
}

// Record persists a pushed reading as the latest sample.
func (s *PushStore) Record(r *Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Source = SourcePush
	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal push reading: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write push reading: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename push reading: %w", err)
	}
	L_trace("temperature: push reading stored", "waterC", r.WaterTempC)
	return nil
}

// Latest returns the last pushed reading, unvalidated. Returns
// ErrSensorUnavailable if no push has ever arrived.
func (s *PushStore) Latest() (*Reading, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no microcontroller reading yet", ErrSensorUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	var r Reading
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: corrupt push record: %v", ErrInvalidReading, err)
	}
	return &r, nil
}

// PushProvider exposes the push store through the Provider interface.
// ReadFresh is identical to ReadCached: the device drives the cadence, the
// server can only nudge the interval on the device's next check-in.
type PushProvider struct {
	store *PushStore
	nowFn func() time.Time
}

// NewPushProvider wraps a push store.
func NewPushProvider(store *PushStore) *PushProvider {
	return &PushProvider{store: store, nowFn: time.Now}
}

// SetNowFunc overrides the staleness clock. Tests only.
func (p *PushProvider) SetNowFunc(fn func() time.Time) { p.nowFn = fn }

// ReadCached returns the latest pushed reading, validated against the
// staleness bound as of now.
func (p *PushProvider) ReadCached(_ context.Context) (*Reading, error) {
	r, err := p.store.Latest()
	if err != nil {
		return nil, err
	}
	// Staleness is judged against the current clock, not the original
	// receive time, so an old record is rejected even though it was fresh
	// when stored.
	check := *r
	check.ReceivedAt = p.nowFn().UTC()
	if err := check.Validate(p.store.staleness); err != nil {
		return nil, err
	}
	return r, nil
}

// ReadFresh is ReadCached; see PushProvider.
func (p *PushProvider) ReadFresh(ctx context.Context) (*Reading, error) {
	return p.ReadCached(ctx)
}

// StubProvider returns canned readings; used in stub mode and tests.
type StubProvider struct {
	mu      sync.Mutex
	WaterC  float64
	Err     error
	nowFn   func() time.Time
	reads   int
}

// NewStub creates a stub provider starting at the given water temperature.
func NewStub(waterC float64) *StubProvider {
	return &StubProvider{WaterC: waterC, nowFn: time.Now}
}

// SetWaterC updates the simulated water temperature.
func (p *StubProvider) SetWaterC(c float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WaterC = c
}

// SetErr makes subsequent reads fail with err (nil clears).
func (p *StubProvider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Reads returns how many reads have been served.
func (p *StubProvider) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

func (p *StubProvider) read(source Source) (*Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.Err != nil {
		return nil, p.Err
	}
	c := p.WaterC
	now := p.nowFn().UTC()
	return &Reading{
		WaterTempC: &c,
		SourceTime: now,
		ReceivedAt: now,
		Source:     source,
	}, nil
}

// ReadCached returns the canned reading.
func (p *StubProvider) ReadCached(_ context.Context) (*Reading, error) {
	return p.read(SourceCloudCached)
}

// ReadFresh returns the canned reading.
func (p *StubProvider) ReadFresh(_ context.Context) (*Reading, error) {
	return p.read(SourceCloudFresh)
}
