package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// Principal returns a test principal for the i-th user of the given client
func Principal(i int, clientID string) storage.Principal {
	return storage.Principal{ID: fmt.Sprintf("user-%d", i), ClientID: clientID}
}

// GenerateTestToken creates an access token record with the given lifetime.
// A zero ttl yields an unlimited token.
func GenerateTestToken(owner storage.Principal, ttl time.Duration, scope ...string) *storage.Token {
	now := time.Now()
	tok := &storage.Token{
		Value:    GenerateRandomString(43),
		Kind:     storage.KindAccess,
		Owner:    owner,
		Scope:    storage.NewScope(scope...),
		IssuedAt: now,
	}
	if ttl > 0 {
		tok.ExpiresAt = now.Add(ttl)
	}
	return tok
}

// GenerateTestPair creates an access token and its refresh token, linked
// through RefreshValue.
func GenerateTestPair(owner storage.Principal, ttl time.Duration, scope ...string) (access, refresh *storage.Token) {
	access = GenerateTestToken(owner, ttl, scope...)
	refresh = &storage.Token{
		Value:    GenerateRandomString(43),
		Kind:     storage.KindRefresh,
		Owner:    owner,
		Scope:    storage.NewScope(scope...),
		IssuedAt: access.IssuedAt,
	}
	access.RefreshValue = refresh.Value
	return access, refresh
}

// GenerateTestClient creates a confidential client whose secret hashes to secret
func GenerateTestClient(t *testing.T, clientID, secret string) *storage.Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: string(hash),
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       "Test Client",
		CreatedAt:        time.Now(),
	}
}

// Telemetry bundles an enabled Instrumentation with in-memory readers
type Telemetry struct {
	Inst   *instrumentation.Instrumentation
	Reader *sdkmetric.ManualReader
	Spans  *tracetest.SpanRecorder
}

// NewTelemetry creates instrumentation backed by a manual metric reader and a
// span recorder. It is shut down when the test ends.
func NewTelemetry(t *testing.T) *Telemetry {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-issuer-test",
		Enabled:        true,
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	return &Telemetry{Inst: inst, Reader: reader, Spans: spans}
}

// Int64 returns the sum of all data points of the named counter or gauge
// whose attributes include want.
func (tm *Telemetry) Int64(t *testing.T, name string, want ...attribute.KeyValue) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := tm.Reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			var points []metricdata.DataPoint[int64]
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			}
			for _, dp := range points {
				if matches(dp.Attributes, want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// SpanNames returns the names of all ended spans in order
func (tm *Telemetry) SpanNames() []string {
	ended := tm.Spans.Ended()
	names := make([]string, 0, len(ended))
	for _, s := range ended {
		names = append(names, s.Name())
	}
	return names
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

// Eventually polls cond until it returns true or the timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
