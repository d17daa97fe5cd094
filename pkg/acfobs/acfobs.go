// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acfobs is the fabric's observability Manager: a single turn-
// lifecycle span, a mutex-wait histogram, an accumulation-wait
// histogram, and an event-dispatch counter -- trimmed down from the
// teacher's much broader agent/LLM/tool/memory/session/HTTP/RAG metrics
// surface to only what the fabric itself needs to watch.
package acfobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures a Manager. Tracing and metrics are both optional and
// independently toggled, matching the teacher's TracingEnabled/
// MetricsEnabled split.
type Config struct {
	TracingEnabled bool
	ExporterURL    string
	SamplingRatio  float64
	ServiceName    string
	MetricsEnabled bool
}

func (c *Config) setDefaults() {
	if c.SamplingRatio <= 0 {
		c.SamplingRatio = 0.1
	}
	if c.ServiceName == "" {
		c.ServiceName = "acf"
	}
}

// Manager owns the fabric's tracer and meter providers and the four
// metric instruments its Record methods write to.
type Manager struct {
	cfg    Config
	tracer trace.Tracer

	tracerProvider *sdktrace.TracerProvider
	registry       *prometheus.Registry

	turnDuration       metric.Float64Histogram
	mutexWait          metric.Float64Histogram
	accumulationWait   metric.Float64Histogram
	eventDispatchCount metric.Int64Counter
}

// NewManager builds a Manager from cfg. Both tracing and metrics are
// no-ops (noop tracer provider, nil instruments) when disabled, so
// callers never need a nil check before calling a Record method.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	cfg.setDefaults()
	m := &Manager{cfg: cfg}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("acfobs: init tracing: %w", err)
		}
		m.tracerProvider = tp
		otel.SetTracerProvider(tp)
		m.tracer = tp.Tracer("acf/fabric")
		slog.Info("acfobs: tracing initialized", slog.String("endpoint", cfg.ExporterURL))
	} else {
		m.tracer = noop.NewTracerProvider().Tracer("acf/fabric")
	}

	if cfg.MetricsEnabled {
		if err := m.initMetrics(); err != nil {
			return nil, fmt.Errorf("acfobs: init metrics: %w", err)
		}
		slog.Info("acfobs: metrics initialized")
	}

	return m, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.ExporterURL),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRatio)),
		sdktrace.WithResource(res),
	), nil
}

func (m *Manager) initMetrics() error {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("acf/fabric")

	m.turnDuration, err = meter.Float64Histogram("acf.turn.duration_seconds",
		metric.WithDescription("LogicalTurn end-to-end duration, acquire_mutex through commit_and_release"))
	if err != nil {
		return err
	}
	m.mutexWait, err = meter.Float64Histogram("acf.mutex.wait_seconds",
		metric.WithDescription("time spent blocked in SessionMutex.Acquire"))
	if err != nil {
		return err
	}
	m.accumulationWait, err = meter.Float64Histogram("acf.accumulation.wait_seconds",
		metric.WithDescription("suggested accumulation wait actually observed before Step 2 advances"))
	if err != nil {
		return err
	}
	m.eventDispatchCount, err = meter.Int64Counter("acf.events.dispatched_total",
		metric.WithDescription("EventRouter.Route calls, by event type"))
	if err != nil {
		return err
	}

	m.registry = registry
	return nil
}

// Tracer returns the fabric's tracer (a no-op implementation if tracing
// is disabled).
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// StartTurnSpan starts an "acf.turn" span for one turn's lifecycle. The
// span carries only the service-name attribute; sessionKey is not
// recorded on it.
func (m *Manager) StartTurnSpan(ctx context.Context, sessionKey string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "acf.turn",
		trace.WithAttributes(semconv.ServiceName(m.cfg.ServiceName)))
}

// RecordMutexWait records time spent blocked acquiring the SessionMutex.
func (m *Manager) RecordMutexWait(ctx context.Context, d time.Duration) {
	if m.mutexWait == nil {
		return
	}
	m.mutexWait.Record(ctx, d.Seconds())
}

// RecordAccumulationWait records the accumulation wait actually observed.
func (m *Manager) RecordAccumulationWait(ctx context.Context, d time.Duration) {
	if m.accumulationWait == nil {
		return
	}
	m.accumulationWait.Record(ctx, d.Seconds())
}

// RecordTurnDuration records one turn's total acquire-to-release span.
func (m *Manager) RecordTurnDuration(ctx context.Context, d time.Duration) {
	if m.turnDuration == nil {
		return
	}
	m.turnDuration.Record(ctx, d.Seconds())
}

// RecordEventDispatch increments the event-dispatch counter for eventType.
func (m *Manager) RecordEventDispatch(ctx context.Context, eventType string) {
	if m.eventDispatchCount == nil {
		return
	}
	m.eventDispatchCount.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// MetricsHandler serves the Prometheus text exposition format, or a 503
// placeholder if metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics not enabled"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TracingEnabled reports whether a real (non-noop) tracer is installed.
func (m *Manager) TracingEnabled() bool { return m.tracerProvider != nil }

// MetricsEnabled reports whether the Prometheus registry is installed.
func (m *Manager) MetricsEnabled() bool { return m.registry != nil }

// Shutdown flushes and stops the tracer provider. Metrics need no
// explicit shutdown under Prometheus's pull model.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.tracerProvider == nil {
		return nil
	}
	if err := m.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("acfobs: tracer shutdown: %w", err)
	}
	return nil
}
