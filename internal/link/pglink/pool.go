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

// Package pglink implements link contracts on top of pgx connection pool.
package pglink

import (
	"context"
	_ "embed"
	"net/url"

	zapadapter "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/observability"
	"github.com/FerretDB/pgcursors/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "pgcursors"
	subsystem = "postgresql_pool"
)

// createCursorFunction is the definition of CreateCursorC server function.
//
//go:embed create_cursor.sql
var createCursorFunction string

// Pool is a pool of PostgreSQL connections.
//
//nolint:vet // for readability
type Pool struct {
	p *pgxpool.Pool
	l *zap.Logger

	token *resource.Token
}

// New creates a new pool for the given URI and checks that PostgreSQL settings are supported.
func New(ctx context.Context, u string, l *zap.Logger) (*Pool, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	values := uri.Query()
	setDefaultValues(values)
	uri.RawQuery = values.Encode()

	config, err := pgxpool.ParseConfig(uri.String())
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// try to log everything; logger's configuration will skip extra levels if needed
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   zapadapter.NewLogger(l.Named("pgx")),
		LogLevel: tracelog.LogLevelTrace,
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if err = checkSettings(ctx, p, l); err != nil {
		p.Close()
		return nil, lazyerrors.Error(err)
	}

	res := &Pool{
		p:     p,
		l:     l,
		token: resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res, nil
}

// Close closes all connections.
//
// Connections acquired by OpenDedicated should be released first.
func (p *Pool) Close() {
	p.p.Close()
	resource.Untrack(p, p.token)
}

// Install creates or replaces the CreateCursorC server function.
func (p *Pool) Install(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	if _, err := p.p.Exec(ctx, createCursorFunction); err != nil {
		return lazyerrors.Error(err)
	}

	p.l.Info("CreateCursorC function installed")

	return nil
}

// OpenDedicated implements link.Provider.
func (p *Pool) OpenDedicated(ctx context.Context) (link.Conn, error) {
	defer observability.FuncCall(ctx)()

	c, err := p.p.Acquire(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return newConn(c, p.l), nil
}

// MaxPoolSize implements link.Provider.
func (p *Pool) MaxPoolSize() int {
	return int(p.p.Config().MaxConns)
}

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	stats := p.p.Stat()

	for name, v := range map[string]struct {
		help  string
		typ   prometheus.ValueType
		value float64
	}{
		"acquired": {
			help:  "The current number of acquired connections.",
			typ:   prometheus.GaugeValue,
			value: float64(stats.AcquiredConns()),
		},
		"idle": {
			help:  "The current number of idle connections.",
			typ:   prometheus.GaugeValue,
			value: float64(stats.IdleConns()),
		},
		"size": {
			help:  "The maximum number of connections.",
			typ:   prometheus.GaugeValue,
			value: float64(stats.MaxConns()),
		},
		"acquires_total": {
			help:  "Total number of successful connection acquisitions.",
			typ:   prometheus.CounterValue,
			value: float64(stats.AcquireCount()),
		},
		"empty_acquires_total": {
			help:  "Total number of acquisitions that waited for a connection.",
			typ:   prometheus.CounterValue,
			value: float64(stats.EmptyAcquireCount()),
		},
		"canceled_acquires_total": {
			help:  "Total number of acquisitions canceled by a context.",
			typ:   prometheus.CounterValue,
			value: float64(stats.CanceledAcquireCount()),
		},
	} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), v.help, nil, nil),
			v.typ,
			v.value,
		)
	}
}

// check interfaces
var (
	_ link.Provider        = (*Pool)(nil)
	_ prometheus.Collector = (*Pool)(nil)
)
