package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/vantage/internal/authmw"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/vantage/internal/signal/pgstore.(*Store).GetSignal", "(*Store).GetSignal"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := ReqDBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := ReqDBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	got := httpMethodFromContext(ctx)
	if got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want %q", got, "POST")
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "")
	got := httpMethodFromContext(ctx)
	if got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

func TestSetQueryObserver(t *testing.T) {
	t.Parallel()

	// Save and restore the global to avoid test pollution.
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestRouteLabel(t *testing.T) {
	t.Parallel()

	if got := routeLabel(context.Background()); got != "" {
		t.Errorf("routeLabel(empty) = %q, want empty", got)
	}

	ctx := WithOperation(context.Background(), "sweep")
	if got := routeLabel(ctx); got != "sweep" {
		t.Errorf("routeLabel = %q, want %q", got, "sweep")
	}

	if got := WithOperation(context.Background(), ""); got.Value(ctxKeyOperation) != nil {
		t.Error("empty operation should not be stored")
	}
}

func TestMiddleware_CollectsStats(t *testing.T) {
	t.Parallel()

	var (
		method string
		stats  *ReqDBStats
		route  string
	)
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/signals/{id}", func(_ http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		method = httpMethodFromContext(ctx)
		stats, _ = ReqDBStatsFromContext(ctx)
		stats.AddQuery(3*time.Millisecond, nil)
		route = routeLabel(ctx)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/signals/abc", http.NoBody))

	if method != http.MethodGet {
		t.Errorf("method = %q, want GET", method)
	}
	if stats == nil {
		t.Fatal("request context has no db stats")
	}
	if n, total, errs := stats.Snapshot(); n != 1 || total != 3*time.Millisecond || errs != 0 {
		t.Errorf("Snapshot() = %d, %v, %d", n, total, errs)
	}
	if route != "/api/v1/signals/{id}" {
		t.Errorf("route = %q, want pattern", route)
	}
}

func TestQueryFields_ArgsOnlyOnError(t *testing.T) {
	t.Parallel()

	info := &queryInfo{sql: "SELECT 1", args: []any{"secret"}, caller: "(*Store).GetSignal"}

	ok := queryFields(info, time.Millisecond, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})
	if slices.Contains(ok, any("db.args")) {
		t.Errorf("successful query logged args: %v", ok)
	}
	if !slices.Contains(ok, any("SELECT")) {
		t.Errorf("missing operation name: %v", ok)
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "signals_dedupe_key"}
	failed := queryFields(info, time.Millisecond, pgx.TraceQueryEndData{Err: pgErr})
	for _, want := range []any{"db.args", "23505", "signals_dedupe_key"} {
		if !slices.Contains(failed, want) {
			t.Errorf("failed query fields missing %v: %v", want, failed)
		}
	}
}

func TestObserve_Labels(t *testing.T) {
	// mutates the global observer
	defer SetQueryObserver(nil)

	type call struct{ method, route, outcome string }
	var got []call
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		got = append(got, call{method, route, outcome})
	}))

	ctx := authmw.WithTenant(WithOperation(context.Background(), "sweep"), "tenant-1")
	observe(ctx, time.Millisecond, nil)
	observe(WithHTTPMethod(context.Background(), "POST"), time.Millisecond, errors.New("boom"))
	observe(ctx, 0, nil)

	want := []call{{"NONE", "sweep", "ok"}, {"POST", "unknown", "error"}}
	if !slices.Equal(got, want) {
		t.Errorf("observations = %+v, want %+v", got, want)
	}
}

func TestIsStoreFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		skip bool
		repo bool
	}{
		{"github.com/linnemanlabs/vantage/internal/signal/pgstore.(*Store).CreateSignal", false, true},
		{"github.com/linnemanlabs/vantage/internal/ledger/pgledger.(*Ledger).Append", false, true},
		{"github.com/linnemanlabs/vantage/internal/signal.(*Service).CreateSignal", false, false},
		{"github.com/jackc/pgx/v5.(*Conn).Query", true, false},
		{"runtime.goexit", true, false},
	}
	for _, tt := range tests {
		if got := skipFrame(tt.fn); got != tt.skip {
			t.Errorf("skipFrame(%q) = %v, want %v", tt.fn, got, tt.skip)
		}
		if got := isStoreFrame(tt.fn); got != tt.repo {
			t.Errorf("isStoreFrame(%q) = %v, want %v", tt.fn, got, tt.repo)
		}
	}
}
