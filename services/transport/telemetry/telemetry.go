// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry owns the tracer and meter providers and the Prometheus
// metrics of the transport subsystem.
//
// Components obtain spans and instruments through Tracer and Meter. Until
// Setup runs, the otel globals are no-ops, which is what tests rely on.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "lifeline.transport"

// Config toggles exporters.
type Config struct {
	// ServiceName is attached to every span and metric.
	ServiceName string `yaml:"service_name"`

	// TraceStdout pretty-prints finished spans to stdout.
	TraceStdout bool `yaml:"trace_stdout"`
}

// Tracer returns the transport tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Meter returns the transport meter from the current global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Setup installs global tracer and meter providers.
//
// # Description
//
// Metrics are always bridged into the default Prometheus registry so otel
// instruments show up next to the native collectors on /metrics. Tracing
// exports to stdout only when cfg.TraceStdout is set.
//
// # Outputs
//
//   - func(context.Context) error: flushes and stops the providers
//   - error: exporter construction failure
func Setup(cfg Config) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "lifeline"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	shutdowns := []func(context.Context) error{mp.Shutdown}

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}
