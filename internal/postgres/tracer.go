package postgres

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/authmw"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey int

const (
	ctxKeyQuery ctxKey = iota
	ctxKeyStats
	ctxKeyHTTPMethod
	ctxKeyOperation
)

type queryObserverHolder struct{ QueryObserver }

// queryInfo carries per-query state from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// ReqDBStats accumulates database query statistics for one request or job run.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns count, total duration and errors under the lock.
func (s *ReqDBStats) Snapshot() (int, time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

// WithOperation labels queries issued outside an HTTP route, such as the
// scheduled sweep. The label stands in for the route in query metrics.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOperation, op)
}

// OperationFromContext returns the label set by WithOperation.
func OperationFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(ctxKeyOperation).(string)
	return op, ok
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyStats, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(ctxKeyStats).(*ReqDBStats)
	return s, ok
}

// Middleware labels queries with the request method and logs the request's
// accumulated database time once the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		s, _ := ReqDBStatsFromContext(ctx)
		if n, total, errs := s.Snapshot(); n > 0 {
			log.FromContext(ctx).Info(ctx, "request db stats",
				"db.queries", n,
				"db.duration", total.Seconds(),
				"db.errors", errs,
				"route", routeLabel(ctx),
			)
		}
	})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

func httpMethodFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyHTTPMethod).(string); ok {
		return v
	}
	return ""
}

// routeLabel prefers the chi route pattern, then an operation label.
func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if op, ok := OperationFromContext(ctx); ok {
		return op
	}
	return ""
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and a metrics observation for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	if inner == nil {
		return loggingTracer{}
	}
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	info.caller, info.handler = findDBCallerAndHandler()

	// inner tracer opens the span first
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, info)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 3)
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		if info.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", info.handler))
		}
		if tenant, ok := authmw.TenantFromContext(ctx); ok {
			attrs = append(attrs, attribute.String("vantage.tenant.id", tenant))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		info = &queryInfo{}
	}
	var dur time.Duration
	if !info.start.IsZero() {
		dur = time.Since(info.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	observe(ctx, dur, data.Err)

	L := log.FromContext(ctx)
	fields := queryFields(info, dur, data)
	if tenant, ok := authmw.TenantFromContext(ctx); ok {
		fields = append(fields, "tenant_id", tenant)
	}

	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func observe(ctx context.Context, dur time.Duration, err error) {
	obs := getQueryObserver()
	if obs == nil || dur <= 0 {
		return
	}
	method := httpMethodFromContext(ctx)
	if method == "" {
		method = "NONE"
	}
	route := routeLabel(ctx)
	if route == "" {
		route = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	obs.ObserveQuery(ctx, method, route, outcome, dur)
}

// queryFields builds log fields. Bind arguments are only logged for failed
// queries since they carry evidence payloads.
func queryFields(info *queryInfo, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", info.sql,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.handler != "" {
		fields = append(fields, "db.handler", info.handler)
	}

	if data.Err != nil {
		fields = append(fields, "db.args", info.args)
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
	}
	return fields
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store function actually issuing the query
//   - handler: the next frame above that outside the store packages
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if !skipFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStoreFrame(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

func isStoreFrame(fn string) bool {
	return strings.Contains(fn, "/vantage/internal/postgres.") ||
		strings.Contains(fn, "/vantage/internal/signal/pgstore.") ||
		strings.Contains(fn, "/vantage/internal/ledger/pgledger.")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
