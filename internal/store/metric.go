package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ngrok/sqlmw"
	"github.com/prometheus/client_golang/prometheus"
)

// instrumentedDriver is the database/sql name of the pgx driver wrapped with metricInterceptor.
const instrumentedDriver = "pgx-instrumented"

var (
	statementRegex = regexp.MustCompile(`^\s*(\w+)`)

	dbOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "db_op_duration_milliseconds",
		Help:      "Time spent on a database operation",
		Subsystem: "paramopt",
		Buckets:   []float64{1, 5, 20, 100, 500, 2000},
	}, []string{"op", "statement"})
	dbOpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "db_op_total",
		Help:      "Number of database operations",
		Subsystem: "paramopt",
	}, []string{"op", "result"})

	registerOnce sync.Once
)

// registerInstrumentedDriver wraps the pgx driver once per process and
// registers the collectors on the default registry.
func registerInstrumentedDriver() {
	registerOnce.Do(func() {
		sql.Register(instrumentedDriver, sqlmw.Driver(stdlib.GetDefaultDriver(), &metricInterceptor{}))
		prometheus.MustRegister(dbOpLatency, dbOpTotal)
	})
}

type metricInterceptor struct {
	sqlmw.NullInterceptor
}

func (mi *metricInterceptor) ConnBeginTx(ctx context.Context, conn driver.ConnBeginTx, opts driver.TxOptions) (context.Context, driver.Tx, error) {
	start := time.Now()
	tx, err := conn.BeginTx(ctx, opts)
	mi.measure("begin", "", start, err)
	return ctx, tx, err
}

func (mi *metricInterceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := conn.ExecContext(ctx, query, args)
	mi.measure("exec", statement(query), start, err)
	return res, err
}

func (mi *metricInterceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := conn.QueryContext(ctx, query, args)
	mi.measure("query", statement(query), start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) StmtExecContext(ctx context.Context, conn driver.StmtExecContext, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := conn.ExecContext(ctx, args)
	mi.measure("stmt-exec", statement(query), start, err)
	return res, err
}

func (mi *metricInterceptor) StmtQueryContext(ctx context.Context, conn driver.StmtQueryContext, query string, args []driver.NamedValue) (context.Context, driver.Rows, error) {
	start := time.Now()
	rows, err := conn.QueryContext(ctx, args)
	mi.measure("stmt-query", statement(query), start, err)
	return ctx, rows, err
}

func (mi *metricInterceptor) TxCommit(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	err := conn.Commit()
	mi.measure("commit", "", start, err)
	return err
}

func (mi *metricInterceptor) TxRollback(ctx context.Context, conn driver.Tx) error {
	start := time.Now()
	err := conn.Rollback()
	mi.measure("rollback", "", start, err)
	return err
}

func (mi *metricInterceptor) measure(op, stmt string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dbOpTotal.WithLabelValues(op, result).Inc()
	dbOpLatency.WithLabelValues(op, stmt).Observe(float64(time.Since(start).Milliseconds()))
}

// statement returns the leading SQL keyword, e.g. "select".
func statement(query string) string {
	if m := statementRegex.FindStringSubmatch(query); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	return "unknown"
}
