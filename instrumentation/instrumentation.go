package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when no service name is configured
	DefaultServiceName = "oauth-issuer"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// scopePrefix is prepended to every meter and tracer name
	scopePrefix = "github.com/giantswarm/oauth-issuer/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oauth-issuer")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MeterProvider is the provider metrics are recorded against when Enabled.
	// If nil, a no-op provider is used.
	MeterProvider metric.MeterProvider

	// TracerProvider is the provider spans are started from when Enabled.
	// If nil, a no-op provider is used.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once

	regMu         sync.Mutex
	registrations []metric.Registration
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	inst.shutdownFuncs = append(inst.shutdownFuncs, inst.unregisterCallbacks)

	return inst, nil
}

// initializeProviders wires the configured providers, falling back to no-op
// providers for anything left unset.
func (i *Instrumentation) initializeProviders() {
	i.meterProvider = i.config.MeterProvider
	if i.meterProvider == nil {
		i.meterProvider = noop.NewMeterProvider()
	}
	i.tracerProvider = i.config.TracerProvider
	if i.tracerProvider == nil {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}
}

// Shutdown unregisters gauge callbacks. Providers passed in Config are owned
// by the caller and are not shut down here.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

func (i *Instrumentation) unregisterCallbacks(context.Context) error {
	i.regMu.Lock()
	defer i.regMu.Unlock()

	var first error
	for _, reg := range i.registrations {
		if err := reg.Unregister(); err != nil && first == nil {
			first = err
		}
	}
	i.registrations = nil
	return first
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "server", "storage", "expiry", "security"
// The full name will be "github.com/giantswarm/oauth-issuer/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
// The full name will be "github.com/giantswarm/oauth-issuer/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// Resource returns the resource describing this service
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// SizeCallback is a function that returns the current size of a tracked component
type SizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for the per-kind token count gauge.
// Storage implementations should call this after instrumentation is set and read
// lock-free counters from the callbacks.
//
// Example:
//
//	func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
//	    s.instrumentation = inst
//	    inst.RegisterStorageSizeCallbacks(
//	        func() int64 { return s.codesCount.Load() },
//	        func() int64 { return s.accessCount.Load() },
//	        func() int64 { return s.refreshCount.Load() },
//	    )
//	}
func (i *Instrumentation) RegisterStorageSizeCallbacks(codes, access, refresh SizeCallback) error {
	meter := i.Meter("storage")

	reg, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if codes != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, codes(), metric.WithAttributes(attrKindCode))
			}
			if access != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, access(), metric.WithAttributes(attrKindAccess))
			}
			if refresh != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, refresh(), metric.WithAttributes(attrKindRefresh))
			}
			return nil
		},
		i.metrics.StorageTokensCount,
	)
	if err != nil {
		return err
	}

	i.track(reg)
	return nil
}

// RegisterExpiryCallbacks registers callbacks for the expiry scheduler gauges.
func (i *Instrumentation) RegisterExpiryCallbacks(armed, running SizeCallback) error {
	meter := i.Meter("expiry")

	reg, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if armed != nil {
				observer.ObserveInt64(i.metrics.ExpiryTimersArmed, armed())
			}
			if running != nil {
				observer.ObserveInt64(i.metrics.ExpiryWorkersRunning, running())
			}
			return nil
		},
		i.metrics.ExpiryTimersArmed,
		i.metrics.ExpiryWorkersRunning,
	)
	if err != nil {
		return err
	}

	i.track(reg)
	return nil
}

func (i *Instrumentation) track(reg metric.Registration) {
	i.regMu.Lock()
	i.registrations = append(i.registrations, reg)
	i.regMu.Unlock()
}
