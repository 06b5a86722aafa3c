// Copyright 2021 FerretDB Inc.
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


// Package observability provides abstractions for tracing and execution regions.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelsdkresource "go.opentelemetry.io/otel/sdk/resource"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelsemconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
)

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// OtelOpts represents SetupOtel options.
type OtelOpts struct {
	Service string

	// OTLP/HTTP endpoint host and port; empty value disables tracing.
	Endpoint string

	// Fraction of root spans that are sampled; values outside (0, 1) sample everything.
	SampleRatio float64
}

// SetupOtel sets up OTLP/HTTP exporter and the global tracer provider.
//
// If endpoint is empty, the global provider is left intact, and the returned function does nothing.
func SetupOtel(opts *OtelOpts) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(
		context.TODO(),
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	tp := otelsdktrace.NewTracerProvider(
		otelsdktrace.WithBatcher(exporter, otelsdktrace.WithBatchTimeout(time.Second)),
		otelsdktrace.WithSampler(sampler(opts.SampleRatio)),
		otelsdktrace.WithResource(otelsdkresource.NewSchemaless(
			otelsemconv.ServiceNameKey.String(opts.Service),
		)),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// sampler returns a sampler that respects the parent span decision.
func sampler(ratio float64) otelsdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return otelsdktrace.AlwaysSample()
	}

	return otelsdktrace.ParentBased(otelsdktrace.TraceIDRatioBased(ratio))
}
