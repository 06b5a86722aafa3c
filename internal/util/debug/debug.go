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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	"errors"
	_ "expvar" // for metrics
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // for profiling
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/must"
)

// ListenOpts represents Listen options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       prometheus.Registerer
	G       prometheus.Gatherer

	// Started is closed when the cursor manager is ready to serve.
	Started <-chan struct{}
}

// Handler serves debug requests.
type Handler struct {
	opts     *ListenOpts
	lis      net.Listener
	handlers map[string]string
	mux      *http.ServeMux
}

// Listen creates a new debug handler and starts listener on the given TCP address.
//
// This function can be called when context is not available yet.
// Returned handler should be served by calling Serve.
func Listen(opts *ListenOpts) (*Handler, error) {
	if opts.G == nil {
		opts.G = prometheus.DefaultGatherer
	}

	stdL := must.NotFail(zap.NewStdLogAt(opts.L, zap.WarnLevel))
	g := newGatherer(opts.G, opts.L)

	mux := http.NewServeMux()

	mux.Handle("/debug/metrics", promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	p := newPlotter(g)

	statsvizOpts := []statsviz.Option{statsviz.Root("/debug/graphs")}
	for _, plot := range p.plots() {
		statsvizOpts = append(statsvizOpts, statsviz.TimeseriesPlot(plot))
	}

	if err := statsviz.Register(mux, statsvizOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	mux.HandleFunc("/debug/started", func(rw http.ResponseWriter, _ *http.Request) {
		select {
		case <-opts.Started:
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusInternalServerError)
		}
	})

	// handlers registered by expvar and pprof packages
	mux.Handle("/debug/vars", http.DefaultServeMux)
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	handlers := map[string]string{
		// custom handlers registered above
		"/debug/graphs":  "Visualize metrics",
		"/debug/metrics": "Metrics in Prometheus format",
		"/debug/started": "Startup probe",

		// stdlib handlers
		"/debug/vars":   "Expvar package metrics",
		"/debug/pprof/": "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	mux.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return &Handler{
		opts:     opts,
		lis:      lis,
		handlers: handlers,
		mux:      mux,
	}, nil
}

// Addr returns the listener's address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	l := h.opts.L

	s := http.Server{
		Handler:  h.mux,
		ErrorLog: must.NotFail(zap.NewStdLogAt(l, zap.WarnLevel)),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	root := fmt.Sprintf("http://%s", h.lis.Addr())

	l.Sugar().Infof("Starting debug server on %s ...", root)

	paths := maps.Keys(h.handlers)
	slices.Sort(paths)

	for _, path := range paths {
		l.Sugar().Infof("%s%s - %s", root, path, h.handlers[path])
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		if err := s.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			l.DPanic("Debug server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// ctx is already canceled, but we want to inherit its values
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer stopCancel()

	_ = s.Shutdown(stopCtx)
	_ = s.Close()

	<-done

	l.Sugar().Info("Debug server stopped.")
}
