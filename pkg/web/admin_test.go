package web

import (
	"context"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/registry"

	"github.com/stateflowio/stateflow/pkg/persistence"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	def, err := fsm.NewBuilder("door").
		InitialState("CLOSED").
		State("CLOSED").
		On("open", "OPEN").
		Done().
		State("OPEN").
		On("close", "CLOSED").
		On("break", "BROKEN").
		Done().
		State("BROKEN").
		Final(true).
		Done().
		Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	reg := registry.New(persistence.NewMemoryProvider(),
		registry.WithRegistryLogger(core.NopLogger{}),
	)
	if err := reg.RegisterDefinition(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return reg
}

// call drives the unexported handler directly with a synthetic request
// context, no listener needed.
func call(s *AdminServer, method, path string, body []byte, headers map[string]string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	s.handle(ctx)
	return ctx
}

func TestAdminHealthz(t *testing.T) {
	s := NewAdminServer(testRegistry(t), WithAdminLogger(core.NopLogger{}))
	ctx := call(s, fasthttp.MethodGet, "/healthz", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("healthz status %d", ctx.Response.StatusCode())
	}
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s := NewAdminServer(testRegistry(t), WithAPIKeyHash(hash), WithAdminLogger(core.NopLogger{}))

	// Health stays open.
	if ctx := call(s, fasthttp.MethodGet, "/healthz", nil, nil); ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("healthz must not require auth")
	}

	if ctx := call(s, fasthttp.MethodGet, "/stats", nil, nil); ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("missing key accepted: %d", ctx.Response.StatusCode())
	}
	wrong := map[string]string{"X-Api-Key": "friend"}
	if ctx := call(s, fasthttp.MethodGet, "/stats", nil, wrong); ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("wrong key accepted")
	}
	good := map[string]string{"X-Api-Key": "sesame"}
	if ctx := call(s, fasthttp.MethodGet, "/stats", nil, good); ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("valid key rejected: %d", ctx.Response.StatusCode())
	}
	// Second request hits the plaintext cache, same outcome.
	if ctx := call(s, fasthttp.MethodGet, "/stats", nil, good); ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("cached key rejected")
	}
}

func TestAdminStats(t *testing.T) {
	reg := testRegistry(t)
	s := NewAdminServer(reg, WithAdminLogger(core.NopLogger{}))

	if _, err := reg.Create(context.Background(), "door", "d-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := call(s, fasthttp.MethodGet, "/stats", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("stats status %d", ctx.Response.StatusCode())
	}
	var stats registry.Stats
	if err := core.JSONDecode(ctx.Response.Body(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Live != 1 || stats.Definitions != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAdminCreateInspectEvent(t *testing.T) {
	reg := testRegistry(t)
	s := NewAdminServer(reg, WithAdminLogger(core.NopLogger{}))

	body := []byte(`{"definitionId":"door","machineId":"d-1","data":{"site":"hq"}}`)
	ctx := call(s, fasthttp.MethodPost, "/machines", body, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("create status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	// Duplicate id conflicts.
	ctx = call(s, fasthttp.MethodPost, "/machines", body, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusConflict {
		t.Errorf("duplicate create status %d", ctx.Response.StatusCode())
	}

	// Unknown definition is a bad request.
	ctx = call(s, fasthttp.MethodPost, "/machines", []byte(`{"definitionId":"window"}`), nil)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("unknown definition status %d", ctx.Response.StatusCode())
	}

	ctx = call(s, fasthttp.MethodPost, "/machines/d-1/events", []byte(`{"type":"open"}`), nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("event status %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var res map[string]interface{}
	if err := core.JSONDecode(ctx.Response.Body(), &res); err != nil {
		t.Fatalf("decode event result: %v", err)
	}
	if res["fromState"] != "CLOSED" || res["toState"] != "OPEN" {
		t.Errorf("unexpected transition: %+v", res)
	}

	ctx = call(s, fasthttp.MethodGet, "/machines/d-1", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("inspect status %d", ctx.Response.StatusCode())
	}
	var view inspectView
	if err := core.JSONDecode(ctx.Response.Body(), &view); err != nil {
		t.Fatalf("decode inspect: %v", err)
	}
	if view.Live == nil || view.Live.State != "OPEN" {
		t.Errorf("unexpected inspect view: %+v", view)
	}
}

func TestAdminEvictAndStoredView(t *testing.T) {
	reg := testRegistry(t)
	s := NewAdminServer(reg, WithAdminLogger(core.NopLogger{}))

	if _, err := reg.Create(context.Background(), "door", "d-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := call(s, fasthttp.MethodPost, "/machines/d-1/evict", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("evict status %d", ctx.Response.StatusCode())
	}
	if reg.IsLive("d-1") {
		t.Fatalf("machine still live after evict")
	}

	ctx = call(s, fasthttp.MethodGet, "/machines/d-1", nil, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("inspect status %d", ctx.Response.StatusCode())
	}
	var view inspectView
	if err := core.JSONDecode(ctx.Response.Body(), &view); err != nil {
		t.Fatalf("decode inspect: %v", err)
	}
	if view.Live != nil {
		t.Errorf("evicted machine reported live")
	}
	if view.Stored == nil || view.Stored.State != "CLOSED" {
		t.Errorf("stored view missing: %+v", view)
	}
}

func TestAdminNotFoundRoutes(t *testing.T) {
	s := NewAdminServer(testRegistry(t), WithAdminLogger(core.NopLogger{}))

	cases := []struct {
		method, path string
		status       int
	}{
		{fasthttp.MethodGet, "/machines/ghost", fasthttp.StatusNotFound},
		{fasthttp.MethodPost, "/machines/ghost/events", fasthttp.StatusNotFound},
		{fasthttp.MethodGet, "/machines/ghost/history", fasthttp.StatusNotFound},
		{fasthttp.MethodGet, "/nowhere", fasthttp.StatusNotFound},
		{fasthttp.MethodDelete, "/machines/ghost", fasthttp.StatusNotFound},
	}
	for _, tc := range cases {
		ctx := call(s, tc.method, tc.path, []byte(`{"type":"open"}`), nil)
		if ctx.Response.StatusCode() != tc.status {
			t.Errorf("%s %s: status %d, want %d", tc.method, tc.path, ctx.Response.StatusCode(), tc.status)
		}
	}

	// Error bodies carry the structured code and message.
	ctx := call(s, fasthttp.MethodGet, "/machines/ghost", nil, nil)
	var e core.Error
	if err := core.JSONDecode(ctx.Response.Body(), &e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if e.Code == "" || e.Message == "" {
		t.Errorf("empty error body: %+v", e)
	}
}

func TestAdminHistoryEndpoint(t *testing.T) {
	reg := testRegistry(t)
	s := NewAdminServer(reg, WithAdminLogger(core.NopLogger{}))
	ctx := context.Background()

	if _, err := reg.Create(ctx, "door", "d-1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.RouteEventWait(ctx, "d-1", fsm.NewEvent("open", nil)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := reg.RouteEventWait(ctx, "d-1", fsm.NewEvent("break", nil)); err != nil {
		t.Fatalf("break: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rctx := call(s, fasthttp.MethodGet, "/machines/d-1/history", nil, nil); rctx.Response.StatusCode() == fasthttp.StatusOK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history entry never appeared")
}

func TestAdminRequestsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	reg := testRegistry(t)
	s := NewAdminServer(reg,
		WithAdminLogger(core.NopLogger{}),
		WithTracer(tp.Tracer("admin-test")),
	)

	call(s, fasthttp.MethodGet, "/stats", nil, nil)
	call(s, fasthttp.MethodPost, "/machines", []byte(`{"machineId":"d1"}`), nil)
	call(s, fasthttp.MethodGet, "/machines/d1", nil, nil)
	call(s, fasthttp.MethodGet, "/machines/missing/history", nil, nil)

	spans := recorder.Ended()
	want := []string{
		"admin GET /stats",
		"admin POST /machines",
		"admin GET /machines/{id}",
		"admin GET /machines/{id}/history",
	}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %d", len(want), len(spans))
	}
	for i, name := range want {
		if spans[i].Name() != name {
			t.Errorf("span %d named %q, want %q", i, spans[i].Name(), name)
		}
	}

	var status int
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "http.response.status_code" {
			status = int(attr.Value.AsInt64())
		}
	}
	if status != fasthttp.StatusOK {
		t.Errorf("stats span carries status %d", status)
	}
}
