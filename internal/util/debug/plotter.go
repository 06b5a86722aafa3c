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

package debug

import (
	"github.com/arl/statsviz"
	dto "github.com/prometheus/client_model/go"

	"github.com/FerretDB/pgcursors/internal/util/must"
)

// plotter builds statsviz plots from Prometheus metrics.
type plotter struct {
	g *gatherer
}

// newPlotter returns a new plotter.
func newPlotter(g *gatherer) *plotter {
	return &plotter{
		g: g,
	}
}

// plots returns plots of cursor and connection pool metrics.
func (p *plotter) plots() []statsviz.TimeSeriesPlot {
	return []statsviz.TimeSeriesPlot{
		p.plot(
			"cursors", "Cursors",
			"Open cursors and connection contexts hosting them.",
			"pgcursors_cursors_current",
			"pgcursors_cursors_contexts",
			"pgcursors_cursors_executing",
		),
		p.plot(
			"postgresql_pool", "PostgreSQL pool",
			"Acquired and idle PostgreSQL connections.",
			"pgcursors_postgresql_pool_acquired",
			"pgcursors_postgresql_pool_idle",
			"pgcursors_postgresql_pool_size",
		),
	}
}

// plot returns a scatter plot with one series per metric family.
func (p *plotter) plot(name, title, info string, families ...string) statsviz.TimeSeriesPlot {
	series := make([]statsviz.TimeSeries, len(families))

	for i, f := range families {
		series[i] = statsviz.TimeSeries{
			Name:    f,
			Unitfmt: "%{y:.4s}",
			GetValue: func() float64 {
				return p.value(f)
			},
		}
	}

	return must.NotFail(statsviz.TimeSeriesPlotConfig{
		Name:       name,
		Title:      title,
		Type:       statsviz.Scatter,
		InfoText:   info,
		YAxisTitle: "count",
		Series:     series,
	}.Build())
}

// value returns the sum of all metrics of the given family, or 0.
func (p *plotter) value(family string) float64 {
	mf := p.g.family(family)
	if mf == nil {
		return 0
	}

	var res float64
	for _, m := range mf.GetMetric() {
		res += metricValue(mf.GetType(), m)
	}

	return res
}

// metricValue returns the value of a single metric.
func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	case dto.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}
