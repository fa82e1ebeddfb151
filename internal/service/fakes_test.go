package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/smartgazer/internal/api/smartcar"
	"github.com/langchou/smartgazer/internal/repository"
	"github.com/langchou/smartgazer/internal/state"
)

// fakeUpstream 可编程的 Smartcar 替身，记录调用次数
type fakeUpstream struct {
	mu sync.Mutex

	exchangeToken *smartcar.Token
	exchangeErr   error
	refreshToken  *smartcar.Token
	refreshErr    error
	vehicleIDs    []string
	infos         map[string]*smartcar.VehicleInfo
	location      *smartcar.Location
	locationErr   error
	odometer      *smartcar.Odometer
	odometerErr   error

	refreshCalls  int
	locationCalls int
	odometerCalls int
	lastToken     string
}

func (f *fakeUpstream) ExchangeCode(_ context.Context, _ string) (*smartcar.Token, error) {
	return f.exchangeToken, f.exchangeErr
}

func (f *fakeUpstream) RefreshToken(_ context.Context, _ string) (*smartcar.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshToken, f.refreshErr
}

func (f *fakeUpstream) GetVehicleIDs(_ context.Context, _ string) ([]string, error) {
	return f.vehicleIDs, nil
}

func (f *fakeUpstream) VehicleInfo(_ context.Context, _, vehicleID string) (*smartcar.VehicleInfo, error) {
	if info, ok := f.infos[vehicleID]; ok {
		return info, nil
	}
	return nil, &smartcar.StatusError{StatusCode: 404, Body: "not found"}
}

func (f *fakeUpstream) VehicleLocation(_ context.Context, token, _ string) (*smartcar.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locationCalls++
	f.lastToken = token
	return f.location, f.locationErr
}

func (f *fakeUpstream) VehicleOdometer(_ context.Context, token, _ string) (*smartcar.Odometer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.odometerCalls++
	f.lastToken = token
	return f.odometer, f.odometerErr
}

// fixture 基于内存存储装配的服务层
type fixture struct {
	store    *repository.MemoryStore
	upstream *fakeUpstream
	machines *state.Manager
	metrics  *recordingMetrics
	tokens   *TokenManager
	resolver *Resolver
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	f := &fixture{
		store:    repository.NewMemoryStore(100, "default_user"),
		upstream: &fakeUpstream{},
		machines: state.NewManager(nil),
		metrics:  newRecordingMetrics(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tokens = NewTokenManager(logger, f.store, f.upstream, f.machines, f.metrics, 5*time.Minute)
	f.tokens.now = func() time.Time { return f.now }
	f.resolver = NewResolver(logger, f.store, f.store, f.tokens, f.upstream, f.metrics)
	f.resolver.now = func() time.Time { return f.now }
	return f
}

// recordingMetrics 记录服务层上报的指标
type recordingMetrics struct {
	mu       sync.Mutex
	counts   map[string]int
	dropped  int
	outcomes []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) RecordDelivery(shape string)          { m.inc("delivery:" + shape) }
func (m *recordingMetrics) RecordEventIngested(eventType string) { m.inc("event:" + eventType) }
func (m *recordingMetrics) RecordPlaceholderOwner()              { m.inc("placeholder") }
func (m *recordingMetrics) RecordTokenRefresh(result string)     { m.inc("refresh:" + result) }

func (m *recordingMetrics) RecordSignalsDropped(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped += n
}

func (m *recordingMetrics) RecordResolverOutcome(signal, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, signal+":"+outcome)
}
