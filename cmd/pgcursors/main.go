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

// Command pgcursors installs the cursor server function and scrolls query results
// through the pool of server-side cursors.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "golang.org/x/crypto/x509roots/fallback" // register root TLS certificates for production Docker image

	"github.com/FerretDB/pgcursors/internal/cursors"
	"github.com/FerretDB/pgcursors/internal/link"
	"github.com/FerretDB/pgcursors/internal/link/pglink"
	"github.com/FerretDB/pgcursors/internal/util/ctxutil"
	"github.com/FerretDB/pgcursors/internal/util/debug"
	"github.com/FerretDB/pgcursors/internal/util/debugbuild"
	"github.com/FerretDB/pgcursors/internal/util/lazyerrors"
	"github.com/FerretDB/pgcursors/internal/util/logging"
	"github.com/FerretDB/pgcursors/internal/util/must"
	"github.com/FerretDB/pgcursors/internal/util/observability"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	PostgreSQLURL string `name:"postgresql-url" default:"postgres://127.0.0.1:5432/postgres" help:"PostgreSQL URL."`

	TransactionTimeout     time.Duration `default:"0s" help:"Age after which a transaction hosting cursors is retired; 0 disables rotation."`
	ActiveTransactionLimit int           `default:"0"  help:"Maximal number of transactions hosting cursors; 0 means the pool size."`

	DebugAddr   string `default:"-"     help:"Listen address for HTTP handlers for metrics, pprof, etc; '-' disables them."`
	DumpMetrics bool   `default:"false" help:"Dump all Prometheus metrics to stderr before exit."`

	OTLP struct {
		Endpoint    string  `default:""  help:"OTLP/HTTP endpoint for traces; empty disables tracing."`
		SampleRatio float64 `default:"1" help:"Fraction of sampled traces."`
	} `embed:"" prefix:"otlp-"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}" enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`

	Install struct{} `cmd:"" help:"Install CreateCursorC server function."`

	Scroll struct {
		Query        string `arg:""     help:"SELECT query to scroll."`
		CountQuery   string `default:"" help:"Query returning the number of rows instead of the counted one."`
		SearchColumn string `default:"" help:"Column to search in."`
		SearchID     string `default:"" help:"Value to search for; the first page will contain the found row." name:"search-id"`
		Offset       int    `default:"0"  help:"Offset of the first page."`
		PageSize     int    `default:"10" help:"Number of rows per page."`
		Pages        int    `default:"1"  help:"Number of pages to print."`
	} `cmd:"" help:"Scroll query results page by page."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logging.Formats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("PGCURSORS"),
	}
)

func main() {
	kctx := kong.Parse(&cli, kongOptions...)

	run(kctx.Command())
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if debugbuild.Enabled {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// dumpMetrics dumps all Prometheus metrics to w.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) {
	mfs := must.NotFail(g.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(w, mf))
	}
}

// run sets up environment based on provided flags and runs the given command.
func run(command string) {
	// to increase a chance of resource cleanups to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	l := logging.Setup(level, cli.Log.Format)

	if _, err = maxprocs.Set(maxprocs.Logger(l.Sugar().Debugf)); err != nil {
		l.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdownOtel, err := observability.SetupOtel(&observability.OtelOpts{
		Service:     "pgcursors",
		Endpoint:    cli.OTLP.Endpoint,
		SampleRatio: cli.OTLP.SampleRatio,
	})
	if err != nil {
		l.Sugar().Fatalf("Failed to set up OpenTelemetry: %s.", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownOtel(ctx); err != nil {
			l.Sugar().Warnf("Failed to shut down OpenTelemetry: %s.", err)
		}
	}()

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	r := prometheus.DefaultRegisterer
	started := make(chan struct{})

	var wg sync.WaitGroup

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       l.Named("debug"),
			R:       r,
			Started: started,
		})
		if err != nil {
			l.Sugar().Fatalf("Failed to create debug handler: %s.", err)
		}

		debugCtx, debugCancel := context.WithCancel(ctx)
		defer func() {
			debugCancel()
			wg.Wait()
		}()

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(debugCtx)
		}()
	}

	p, err := pglink.New(ctx, cli.PostgreSQLURL, l.Named("pglink"))
	if err != nil {
		l.Sugar().Fatalf("Failed to connect to PostgreSQL: %s.", err)
	}
	defer p.Close()

	r.MustRegister(p)

	switch command {
	case "install":
		err = install(ctx, p, started)

	case "scroll <query>":
		err = scroll(ctx, &scrollParams{
			p:       p,
			l:       l.Named("cursors"),
			r:       r,
			w:       os.Stdout,
			started: started,
		})

	default:
		panic(fmt.Sprintf("unknown command %q", command))
	}

	if cli.DumpMetrics {
		dumpMetrics(os.Stderr, prometheus.DefaultGatherer)
	}

	if err != nil {
		l.Sugar().Errorf("%s failed: %s.", command, err)

		// deferred functions are skipped by os.Exit
		p.Close()
		stop()
		os.Exit(1)
	}
}

// installer installs server-side functions.
type installer interface {
	Install(ctx context.Context) error
}

// install marks the command as started and installs CreateCursorC.
func install(ctx context.Context, i installer, started chan<- struct{}) error {
	close(started)

	if err := i.Install(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// scrollParams represent scroll parameters.
type scrollParams struct {
	p       link.Provider
	l       *zap.Logger
	r       prometheus.Registerer
	w       io.Writer
	started chan<- struct{}
}

// scroll creates a cursor for the query and prints requested pages.
func scroll(ctx context.Context, params *scrollParams) error {
	m, err := cursors.NewManager(&cursors.NewManagerParams{
		Provider:               params.p,
		L:                      params.l,
		TransactionTimeout:     cli.TransactionTimeout,
		ActiveTransactionLimit: cli.ActiveTransactionLimit,
	})
	if err != nil {
		return lazyerrors.Error(err)
	}
	defer m.Close()

	params.r.MustRegister(m)
	defer params.r.Unregister(m)

	close(params.started)

	createParams := &cursors.CreateParams{
		Query:        link.Text(cli.Scroll.Query),
		SearchColumn: cli.Scroll.SearchColumn,
	}

	if cli.Scroll.CountQuery != "" {
		createParams.CountQuery = link.Text(cli.Scroll.CountQuery)
	}

	if cli.Scroll.SearchID != "" {
		createParams.SearchID = pointer.ToString(cli.Scroll.SearchID)
	}

	c, err := m.CreateCursor(ctx, createParams)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer func() {
		if err := c.Close(ctx); err != nil {
			params.l.Warn("Failed to close cursor", zap.Error(err))
		}
	}()

	pageSize := max(cli.Scroll.PageSize, 1)
	offset := startOffset(cli.Scroll.Offset, pageSize, c.SearchResultPosition())

	params.l.Info(
		"Cursor created",
		zap.String("name", c.Name()), zap.Int("records", c.RecordCount()), zap.Int("search", c.SearchResultPosition()),
	)

	for range max(cli.Scroll.Pages, 1) {
		if offset >= c.RecordCount() {
			break
		}

		rs, err := c.Execute(ctx, offset, pageSize)
		if err != nil {
			return lazyerrors.Error(err)
		}

		printPage(params.w, offset, rs)

		offset += pageSize
	}

	return nil
}

// startOffset returns the offset of the first page.
//
// If the search found a row, that is the offset of the page containing it.
func startOffset(offset, pageSize, searchResultPosition int) int {
	if searchResultPosition < 0 {
		return max(offset, 0)
	}

	return searchResultPosition - searchResultPosition%pageSize
}

// printPage prints a page of rows as a table.
func printPage(w io.Writer, offset int, rs *link.ResultSet) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "#\t%s\n", strings.Join(rs.Columns, "\t"))

	for i, row := range rs.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}

		fmt.Fprintf(tw, "%d\t%s\n", offset+i, strings.Join(cells, "\t"))
	}

	must.NoError(tw.Flush())
}
