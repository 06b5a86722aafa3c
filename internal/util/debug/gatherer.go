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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// gatherTTL is how long gathered metrics are reused.
const gatherTTL = time.Second

// gatherer caches metric families of another Gatherer.
//
// statsviz polls every plotted series separately,
// so all of them are served by a single Gather call of the wrapped gatherer.
type gatherer struct {
	g   prometheus.Gatherer
	l   *zap.Logger
	ttl time.Duration

	m        sync.Mutex
	gathered time.Time
	mfs      []*dto.MetricFamily
	byName   map[string]*dto.MetricFamily
}

// newGatherer returns a new gatherer.
func newGatherer(g prometheus.Gatherer, l *zap.Logger) *gatherer {
	return &gatherer{
		g:   g,
		l:   l,
		ttl: gatherTTL,
	}
}

// refreshLocked gathers metrics again if cached ones are stale.
func (g *gatherer) refreshLocked() {
	if time.Since(g.gathered) < g.ttl {
		return
	}

	mfs, err := g.g.Gather()
	if err != nil {
		// partial results are still usable
		g.l.Warn("Failed to gather some metrics", zap.Error(err), zap.Int("families", len(mfs)))
	}

	g.gathered = time.Now()
	g.mfs = mfs
	g.byName = make(map[string]*dto.MetricFamily, len(mfs))

	for _, mf := range mfs {
		g.byName[mf.GetName()] = mf
	}
}

// Gather implements prometheus.Gatherer.
//
// It never returns an error.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.m.Lock()
	defer g.m.Unlock()

	g.refreshLocked()

	return g.mfs, nil
}

// family returns the metric family with the given name, or nil.
func (g *gatherer) family(name string) *dto.MetricFamily {
	g.m.Lock()
	defer g.m.Unlock()

	g.refreshLocked()

	return g.byName[name]
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
