// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OpenTelemetry metrics and tracing for the
// runtime. Metrics are exported in Prometheus format; traces go to
// stdout when enabled.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/vesper/pkg/config"
)

const instrumentationName = "github.com/kadirpekel/vesper"

// Observability owns the metric and trace providers of the process.
type Observability struct {
	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	sseEvents   metric.Int64Counter
}

// New builds providers per cfg and installs them as the global otel
// providers.
func New(cfg config.ObservabilityConfig) (*Observability, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceStdout {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	meter := meterProvider.Meter(instrumentationName)
	runs, err := meter.Int64Counter("vesper_runs",
		metric.WithDescription("Completed runs by terminal status"))
	if err != nil {
		return nil, err
	}
	runDuration, err := meter.Float64Histogram("vesper_run_duration_seconds",
		metric.WithDescription("Wall-clock duration of a run"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	sseEvents, err := meter.Int64Counter("vesper_sse_events",
		metric.WithDescription("SSE events emitted to clients by event name"))
	if err != nil {
		return nil, err
	}

	return &Observability{
		registry:       registry,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		runs:           runs,
		runDuration:    runDuration,
		sseEvents:      sseEvents,
	}, nil
}

// RecordRun counts a finished run and observes its duration.
func (o *Observability) RecordRun(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	o.runs.Add(ctx, 1, attrs)
	o.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSSEEvent counts one emitted SSE event.
func (o *Observability) RecordSSEEvent(ctx context.Context, name string) {
	o.sseEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

// Tracer returns the runtime tracer.
func (o *Observability) Tracer() trace.Tracer {
	return o.tracerProvider.Tracer(instrumentationName)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops both providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	return errors.Join(
		o.meterProvider.Shutdown(ctx),
		o.tracerProvider.Shutdown(ctx),
	)
}
