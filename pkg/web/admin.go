// Package web exposes the runtime's admin surface over fasthttp: health,
// registry statistics, machine inspection, manual event injection and
// eviction. It is an operator tool, not the event intake; high-volume
// traffic belongs on the NATS source.
package web

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/history"
	"github.com/stateflowio/stateflow/pkg/persistence"
	"github.com/stateflowio/stateflow/pkg/registry"
)

const requestTimeout = 10 * time.Second

// AdminServer is the operator HTTP API.
type AdminServer struct {
	reg        *registry.Registry
	apiKeyHash []byte

	// lastGoodKey caches the plaintext that last passed the bcrypt check, so
	// steady-state polling does not pay the hash cost on every request.
	lastGoodKey atomic.Value

	server *fasthttp.Server
	logger core.Logger
	tracer trace.Tracer
}

// AdminOption configures the server.
type AdminOption func(*AdminServer)

// WithAPIKeyHash enables auth: requests must carry the matching key in the
// X-Api-Key header. The value is a bcrypt hash, never the plaintext.
func WithAPIKeyHash(hash []byte) AdminOption {
	return func(s *AdminServer) { s.apiKeyHash = hash }
}

// WithAdminLogger sets a custom logger.
func WithAdminLogger(logger core.Logger) AdminOption {
	return func(s *AdminServer) { s.logger = logger }
}

// WithTracer overrides the tracer; the default comes from the global
// provider.
func WithTracer(tracer trace.Tracer) AdminOption {
	return func(s *AdminServer) { s.tracer = tracer }
}

// NewAdminServer creates the admin API over a registry.
func NewAdminServer(reg *registry.Registry, opts ...AdminOption) *AdminServer {
	s := &AdminServer{
		reg:    reg,
		logger: core.NewDefaultLogger(),
		tracer: otel.Tracer("stateflow/web"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &fasthttp.Server{
		Handler:            s.handle,
		Name:               "stateflow-admin",
		ReadTimeout:        requestTimeout,
		WriteTimeout:       requestTimeout,
		MaxRequestBodySize: 1 << 20,
	}
	return s
}

// ListenAndServe blocks serving on addr.
func (s *AdminServer) ListenAndServe(addr string) error {
	s.logger.Infof("admin api listening on %s", addr)
	return s.server.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *AdminServer) Shutdown() error {
	return s.server.Shutdown()
}

// traceCtxKey carries the request span's context to the sub-handlers, so
// registry and store calls show up as children of the request span.
const traceCtxKey = "traceContext"

func (s *AdminServer) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	reqCtx, span := s.tracer.Start(context.Background(), "admin "+method+" "+routeName(path),
		trace.WithSpanKind(trace.SpanKindServer))
	ctx.SetUserValue(traceCtxKey, reqCtx)
	defer func() {
		status := ctx.Response.StatusCode()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= fasthttp.StatusInternalServerError {
			span.SetStatus(codes.Error, fasthttp.StatusMessage(status))
		}
		span.End()
	}()

	if path == "/healthz" {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
		return
	}
	if !s.authorized(ctx) {
		s.fail(ctx, fasthttp.StatusUnauthorized, "missing or invalid api key")
		return
	}

	switch {
	case path == "/stats" && method == fasthttp.MethodGet:
		s.stats(ctx)
	case path == "/machines" && method == fasthttp.MethodPost:
		s.createMachine(ctx)
	case strings.HasPrefix(path, "/machines/"):
		s.machine(ctx, method, strings.TrimPrefix(path, "/machines/"))
	default:
		s.fail(ctx, fasthttp.StatusNotFound, "no such route")
	}
}

// routeName collapses machine ids out of the path so span names stay low
// cardinality.
func routeName(path string) string {
	rest, ok := strings.CutPrefix(path, "/machines/")
	if !ok {
		return path
	}
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		return path
	}
	if sub == "" {
		return "/machines/{id}"
	}
	return "/machines/{id}/" + sub
}

// requestContext derives the deadline-bounded context for registry and
// store calls, parented to the request span when one is recording.
func (s *AdminServer) requestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	parent := context.Background()
	if v, ok := ctx.UserValue(traceCtxKey).(context.Context); ok {
		parent = v
	}
	return context.WithTimeout(parent, requestTimeout)
}

func (s *AdminServer) authorized(ctx *fasthttp.RequestCtx) bool {
	if len(s.apiKeyHash) == 0 {
		return true
	}
	key := string(ctx.Request.Header.Peek("X-Api-Key"))
	if key == "" {
		return false
	}
	if cached, ok := s.lastGoodKey.Load().(string); ok && cached == key {
		return true
	}
	if bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)) != nil {
		return false
	}
	s.lastGoodKey.Store(key)
	return true
}

func (s *AdminServer) stats(ctx *fasthttp.RequestCtx) {
	s.respond(ctx, fasthttp.StatusOK, s.reg.Stats())
}

type createBody struct {
	DefinitionID string                 `json:"definitionId,omitempty"`
	MachineID    string                 `json:"machineId,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

func (s *AdminServer) createMachine(ctx *fasthttp.RequestCtx) {
	var body createBody
	if err := core.JSONDecode(ctx.PostBody(), &body); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, "malformed body: %v", err)
		return
	}
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	id, err := s.reg.Create(rctx, body.DefinitionID, body.MachineID, body.Data)
	if err != nil {
		s.failFor(ctx, err)
		return
	}
	s.respond(ctx, fasthttp.StatusCreated, map[string]string{"machineId": id})
}

// machine dispatches /machines/{id} and its sub-resources.
func (s *AdminServer) machine(ctx *fasthttp.RequestCtx, method, rest string) {
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.fail(ctx, fasthttp.StatusBadRequest, "machine id is required")
		return
	}

	switch {
	case sub == "" && method == fasthttp.MethodGet:
		s.inspect(ctx, id)
	case sub == "events" && method == fasthttp.MethodPost:
		s.injectEvent(ctx, id)
	case sub == "evict" && method == fasthttp.MethodPost:
		s.evict(ctx, id)
	case sub == "history" && method == fasthttp.MethodGet:
		s.historyEntry(ctx, id)
	default:
		s.fail(ctx, fasthttp.StatusNotFound, "no such route")
	}
}

// inspectView merges the in-memory, persisted and debug-cache views of one
// machine id.
type inspectView struct {
	Live     *registry.MachineInfo `json:"live,omitempty"`
	Stored   *storedView           `json:"stored,omitempty"`
	LastSeen *fsm.Snapshot         `json:"lastSeen,omitempty"`
}

type storedView struct {
	State           string    `json:"state"`
	IsComplete      bool      `json:"isComplete"`
	LastStateChange time.Time `json:"lastStateChange"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (s *AdminServer) inspect(ctx *fasthttp.RequestCtx, id string) {
	var view inspectView
	if info, ok := s.reg.Inspect(id); ok {
		view.Live = &info
	}
	if snap, ok := s.reg.OfflineSnapshot(id); ok {
		view.LastSeen = &snap
	}

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	rec, err := s.reg.InspectStored(rctx, id)
	if err == nil {
		view.Stored = &storedView{
			State:           rec.CurrentState,
			IsComplete:      rec.IsComplete,
			LastStateChange: rec.LastStateChange,
			UpdatedAt:       rec.UpdatedAt,
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		s.failFor(ctx, err)
		return
	}

	if view.Live == nil && view.Stored == nil && view.LastSeen == nil {
		s.fail(ctx, fasthttp.StatusNotFound, "machine %s not found", id)
		return
	}
	s.respond(ctx, fasthttp.StatusOK, view)
}

type eventBody struct {
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

func (s *AdminServer) injectEvent(ctx *fasthttp.RequestCtx, id string) {
	var body eventBody
	if err := core.JSONDecode(ctx.PostBody(), &body); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, "malformed body: %v", err)
		return
	}
	ev := fsm.NewEvent(body.Type, body.Payload)
	ev.CorrelationID = body.CorrelationID

	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	res, err := s.reg.RouteEventWait(rctx, id, ev)
	if err != nil {
		s.failFor(ctx, err)
		return
	}
	s.respond(ctx, fasthttp.StatusOK, map[string]interface{}{
		"fromState": res.FromState,
		"toState":   res.ToState,
		"version":   res.Version,
	})
}

func (s *AdminServer) evict(ctx *fasthttp.RequestCtx, id string) {
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	if err := s.reg.Evict(rctx, id); err != nil {
		s.failFor(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *AdminServer) historyEntry(ctx *fasthttp.RequestCtx, id string) {
	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	entry, err := s.reg.HistoryStore().Load(rctx, id)
	if errors.Is(err, history.ErrNotFound) {
		s.fail(ctx, fasthttp.StatusNotFound, "no archive entry for machine %s", id)
		return
	}
	if err != nil {
		s.failFor(ctx, err)
		return
	}
	s.respond(ctx, fasthttp.StatusOK, entry)
}

func (s *AdminServer) respond(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	payload, err := core.JSONEncode(body)
	if err != nil {
		s.fail(ctx, fasthttp.StatusInternalServerError, "encode response: %v", err)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

// failFor maps registry errors onto HTTP statuses.
func (s *AdminServer) failFor(ctx *fasthttp.RequestCtx, err error) {
	var unknown *registry.UnknownMachineError
	var dup *registry.DuplicateMachineError
	var complete *registry.MachineCompleteError
	var full *registry.QueueFullError
	var noDef *registry.UnknownDefinitionError

	switch {
	case errors.As(err, &unknown):
		s.fail(ctx, fasthttp.StatusNotFound, "%v", err)
	case errors.As(err, &dup):
		s.fail(ctx, fasthttp.StatusConflict, "%v", err)
	case errors.As(err, &complete):
		s.fail(ctx, fasthttp.StatusGone, "%v", err)
	case errors.As(err, &full):
		s.fail(ctx, fasthttp.StatusTooManyRequests, "%v", err)
	case errors.As(err, &noDef):
		s.fail(ctx, fasthttp.StatusBadRequest, "%v", err)
	case errors.Is(err, registry.ErrShuttingDown):
		s.fail(ctx, fasthttp.StatusServiceUnavailable, "%v", err)
	default:
		s.fail(ctx, fasthttp.StatusInternalServerError, "%v", err)
	}
}

func (s *AdminServer) fail(ctx *fasthttp.RequestCtx, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	payload, _ := core.JSONEncode(core.Error{Code: fasthttp.StatusMessage(status), Message: msg})
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}
