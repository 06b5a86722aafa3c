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

// Package cursors provides a pool of server-side scrollable cursors.
//
// Cursors are declared within long-lived transactions on dedicated connections.
// Many cursors share one connection context; the Manager decides which one
// hosts a new cursor, bounds the number of concurrently open transactions,
// and optionally rotates old transactions out.
package cursors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/util/ctxutil"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/resource"
)

// Parts of Prometheus metric names.
const (
	namespace = "pgcursors"
	subsystem = "cursors"
)

// maxAdmissionWait is the upper bound of a single wait for a connection context
// to be removed when the limit is reached.
const maxAdmissionWait = 100 * time.Millisecond

// CreateParams represent parameters for CreateCursor.
type CreateParams struct {
	// Query is the SELECT statement to declare a cursor for. Required.
	Query link.Query

	// CountQuery, if set, returns the number of rows instead of the value reported by CreateCursorC.
	CountQuery link.Query

	// SearchColumn and SearchID, if set, request the index of the first row
	// whose SearchColumn value is equal to SearchID.
	SearchColumn string
	SearchID     *string

	// Before is executed before the cursor is declared.
	Before Hook

	// After is executed after the cursor is closed.
	After Hook
}

// NewManagerParams represent parameters for NewManager.
type NewManagerParams struct {
	Provider link.Provider
	L        *zap.Logger

	// TransactionTimeout is the age after which a connection context is retired.
	// Zero disables rotation.
	TransactionTimeout time.Duration

	// ActiveTransactionLimit caps the number of connection contexts.
	// Zero means the provider's pool size.
	ActiveTransactionLimit int
}

// Manager is a pool of connection contexts hosting cursors.
//
// All methods are safe for concurrent use.
//
//nolint:vet // for readability
type Manager struct {
	p link.Provider
	l *zap.Logger

	// admission lock; protects fields below
	mu       sync.Mutex
	contexts map[*connContext]struct{}
	changed  chan struct{} // closed and replaced when a context is removed
	closed   bool

	// serializes connection openings
	newConnMu sync.Mutex

	timeout atomic.Int64 // time.Duration
	limit   atomic.Int64

	prefix     string
	lastName   atomic.Uint64
	lastCtxID  atomic.Int64
	done       chan struct{}
	rotationWG sync.WaitGroup

	created  *prometheus.CounterVec
	disposed *prometheus.CounterVec
	lifetime prometheus.Histogram

	token *resource.Token
}

// NewManager creates a new Manager.
func NewManager(params *NewManagerParams) (*Manager, error) {
	if params.Provider == nil {
		return nil, lazyerrors.Errorf("%w: provider is nil", ErrInvalidArgument)
	}

	if params.TransactionTimeout < 0 || params.ActiveTransactionLimit < 0 {
		return nil, lazyerrors.Errorf(
			"%w: transaction timeout %s, active transaction limit %d",
			ErrInvalidArgument, params.TransactionTimeout, params.ActiveTransactionLimit,
		)
	}

	l := params.L
	if l == nil {
		l = zap.NewNop()
	}

	m := &Manager{
		p:        params.Provider,
		l:        l,
		contexts: map[*connContext]struct{}{},
		changed:  make(chan struct{}),
		prefix:   "c_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		done:     make(chan struct{}),
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "created_total",
				Help:      "Total number of cursor creation attempts.",
			},
			[]string{"result"},
		),
		disposed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "contexts_disposed_total",
				Help:      "Total number of disposed connection contexts.",
			},
			[]string{"reason"},
		),
		lifetime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lifetime_seconds",
				Help:      "Cursor lifetime in seconds.",
				Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
		),
		token: resource.NewToken(),
	}

	m.timeout.Store(int64(params.TransactionTimeout))
	m.limit.Store(int64(params.ActiveTransactionLimit))

	resource.Track(m, m.token)

	return m, nil
}

// TransactionTimeout returns the current transaction timeout.
func (m *Manager) TransactionTimeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

// SetTransactionTimeout changes the transaction timeout.
//
// It affects only connection contexts created after the call.
func (m *Manager) SetTransactionTimeout(d time.Duration) {
	m.timeout.Store(int64(max(d, 0)))
}

// ActiveTransactionLimit returns the current active transaction limit.
func (m *Manager) ActiveTransactionLimit() int {
	return int(m.limit.Load())
}

// SetActiveTransactionLimit changes the active transaction limit.
//
// Existing connection contexts are not closed if the new limit is lower.
func (m *Manager) SetActiveTransactionLimit(n int) {
	m.limit.Store(int64(max(n, 0)))
}

// CreateCursor declares a new cursor on one of the pooled connection contexts.
//
// It may block until a connection context becomes available or ctx is canceled.
func (m *Manager) CreateCursor(ctx context.Context, params *CreateParams) (*Cursor, error) {
	ctx, span := otel.Tracer("").Start(
		ctx, "cursors.Manager.CreateCursor", oteltrace.WithSpanKind(oteltrace.SpanKindClient),
	)
	defer span.End()

	cur, err := m.createCursor(ctx, params)
	if err != nil {
		m.created.WithLabelValues("error").Inc()

		span.SetStatus(codes.Error, "")
		span.RecordError(err)

		return nil, err
	}

	m.created.WithLabelValues("ok").Inc()

	span.SetAttributes(
		attribute.String("cursor", cur.name),
		attribute.Int("records", cur.recordCount),
	)

	return cur, nil
}

// createCursor implements CreateCursor.
func (m *Manager) createCursor(ctx context.Context, params *CreateParams) (*Cursor, error) {
	if params == nil || params.Query == nil {
		return nil, lazyerrors.Errorf("%w: query is required", ErrInvalidArgument)
	}

	c, err := m.admit(ctx)
	if err != nil {
		return nil, err
	}

	defer func() {
		m.mu.Lock()
		c.pending.Add(-1)
		m.mu.Unlock()
	}()

	if c.isNew.Load() {
		if err = c.tryCreateConnection(ctx); err != nil {
			return nil, err
		}
	}

	return c.createCursor(ctx, params)
}

// maxConnections returns the maximal number of eligible connection contexts.
func (m *Manager) maxConnections(timeout time.Duration) int {
	poolSize := max(m.p.MaxPoolSize(), 1)

	res := poolSize
	if limit := m.ActiveTransactionLimit(); limit > 0 {
		res = min(limit, poolSize)
	}

	// leave room for rotation
	if timeout > 0 && res*2 > poolSize {
		res = max(res/2, 1)
	}

	return res
}

// admit chooses a connection context for a new cursor and increments its pending counter.
//
// It blocks while the limit of connection contexts is reached.
func (m *Manager) admit(ctx context.Context) (*connContext, error) {
	var attempt int64

	for {
		timeout := m.TransactionTimeout()
		maxConns := m.maxConnections(timeout)

		m.mu.Lock()

		if m.closed {
			m.mu.Unlock()
			return nil, lazyerrors.Errorf("%w: manager is closed", ErrObjectDisposed)
		}

		if c := m.chooseLocked(timeout, maxConns); c != nil {
			c.pending.Add(1)
			m.mu.Unlock()

			return c, nil
		}

		headroom := 1
		if timeout > 0 {
			headroom = 2
		}

		if len(m.contexts) < maxConns*headroom {
			c := newConnContext(m, m.lastCtxID.Add(1))
			c.pending.Add(1)
			m.contexts[c] = struct{}{}

			if timeout > 0 {
				m.rotationWG.Add(1)
				go m.rotate(c, timeout)
			}

			total := len(m.contexts)
			m.mu.Unlock()

			c.l.Debug("Connection context created", zap.Int("total", total), zap.Int("max", maxConns))

			return c, nil
		}

		changed := m.changed
		m.mu.Unlock()

		attempt++

		t := time.NewTimer(ctxutil.DurationWithJitter(maxAdmissionWait, attempt))

		select {
		case <-changed:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, lazyerrors.Error(ctx.Err())
		}

		t.Stop()
	}
}

// chooseLocked returns an existing connection context for a new cursor, or nil.
// The caller must hold mu.
func (m *Manager) chooseLocked(timeout time.Duration, maxConns int) *connContext {
	candidates := maps.Keys(m.contexts)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	now := time.Now()
	eligible := make([]*connContext, 0, len(candidates))

	for _, c := range candidates {
		isNew := c.isNew.Load()

		if !isNew && !c.active.Load() {
			continue
		}

		if c.doomed.Load() {
			continue
		}

		if timeout > 0 && !now.Before(c.started.Add(timeout/2)) {
			continue
		}

		eligible = append(eligible, c)

		if !isNew && !c.executing.Load() {
			return c
		}
	}

	if len(eligible) > 0 && len(eligible) >= maxConns {
		return eligible[0]
	}

	return nil
}

// rotate retires the given connection context after timeout.
//
// Retirement is postponed while cursor creations on the context are pending.
// A retired context with open cursors keeps serving them and is disposed when the last one is closed.
func (m *Manager) rotate(c *connContext, timeout time.Duration) {
	defer m.rotationWG.Done()

	wait := timeout
	next := timeout / 2
	floor := min(time.Second, timeout/10)

	for {
		t := time.NewTimer(wait)

		select {
		case <-m.done:
			t.Stop()
			return
		case <-t.C:
		}

		if c.disposed.Load() || m.retire(c) {
			return
		}

		wait = max(next, floor)
		next /= 2
	}
}

// retire marks connection context as doomed, and disposes it if it has no open cursors.
// It returns false if cursor creations are pending.
func (m *Manager) retire(c *connContext) bool {
	m.mu.Lock()

	if c.pending.Load() > 0 {
		m.mu.Unlock()
		return false
	}

	c.doomed.Store(true)
	idle := c.cursorCount() == 0

	m.mu.Unlock()

	c.l.Debug("Connection context retired", zap.Bool("idle", idle))

	if idle {
		c.dispose(reasonRotation)
	}

	return true
}

// shouldDispose returns true if connection context without cursors should be disposed.
// In that case, it is marked as doomed so it is not chosen for new cursors.
func (m *Manager) shouldDispose(c *connContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.pending.Load() > 0 || c.cursorCount() > 0 {
		return false
	}

	c.doomed.Store(true)

	return true
}

// remove removes connection context from the pool and wakes up waiting admissions.
func (m *Manager) remove(c *connContext, reason string) {
	m.mu.Lock()

	if _, ok := m.contexts[c]; ok {
		delete(m.contexts, c)

		close(m.changed)
		m.changed = make(chan struct{})
	}

	m.mu.Unlock()

	m.disposed.WithLabelValues(reason).Inc()
}

// nextName returns a new unique cursor name.
func (m *Manager) nextName() string {
	return fmt.Sprintf("%s_%d", m.prefix, m.lastName.Add(1))
}

// snapshot returns all connection contexts.
func (m *Manager) snapshot() []*connContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Keys(m.contexts)
}

// GetCursor returns the open cursor with the given name, or nil.
func (m *Manager) GetCursor(name string) *Cursor {
	for _, c := range m.snapshot() {
		if cur := c.getCursor(name); cur != nil {
			return cur
		}
	}

	return nil
}

// ContainsCursor returns true if the open cursor with the given name exists.
func (m *Manager) ContainsCursor(name string) bool {
	return m.GetCursor(name) != nil
}

// CursorCount returns the total number of open cursors.
func (m *Manager) CursorCount() int {
	var res int
	for _, c := range m.snapshot() {
		res += c.cursorCount()
	}

	return res
}

// ConnectionCount returns the number of live connection contexts.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.contexts)
}

// IsActive returns false after Close.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.closed
}

// Clear disposes all connection contexts.
//
// All open cursors become unusable. The Manager stays usable.
func (m *Manager) Clear() {
	for _, c := range m.snapshot() {
		c.dispose(reasonCleared)
	}
}

// Close disposes all connection contexts and stops rotation.
//
// New cursors can't be created after that.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	close(m.done)

	m.mu.Unlock()

	m.Clear()
	m.rotationWG.Wait()

	resource.Untrack(m, m.token)
}

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.created.Collect(ch)
	m.disposed.Collect(ch)
	m.lifetime.Collect(ch)

	contexts := m.snapshot()

	var cursors, executing int
	for _, c := range contexts {
		cursors += c.cursorCount()

		if c.executing.Load() {
			executing++
		}
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "contexts"),
			"The current number of connection contexts.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(len(contexts)),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "executing"),
			"The current number of connection contexts with in-flight round-trips.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(executing),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "current"),
			"The current number of open cursors.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(cursors),
	)
}

// check interfaces
var (
	_ prometheus.Collector = (*Manager)(nil)
)
