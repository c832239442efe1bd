// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package otel

import (
	"context"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenflow/internal/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// traceClientOptions strips the scheme from endpoint, plain http endpoints are used without TLS.
func traceClientOptions(endpoint string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{}
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	default:
		endpoint = strings.TrimPrefix(endpoint, "http://")
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return append(opts, otlptracehttp.WithEndpoint(endpoint))
}

func setupTraceProvider(conf config.Tracing) (*trace.TracerProvider, error) {
	ctx := context.Background()
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(traceClientOptions(conf.Endpoint)...))
	if err != nil {
		return nil, fmt.Errorf("creating new exporter: %w", err)
	}
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(conf.Name),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create new tracing resource: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithMaxExportBatchSize(trace.DefaultMaxExportBatchSize)),
		trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
		trace.WithResource(res),
	), nil
}
