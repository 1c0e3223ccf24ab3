// Package ingest feeds external events into the registry. The NATS source
// is the primary intake: signaling gateways publish one message per event,
// keyed by machine id in the subject, and optionally request the transition
// result through the reply subject.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/registry"
)

// EventEnvelope is the wire format on <prefix>.events.<machineId>.
type EventEnvelope struct {
	Type          string                 `json:"type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// CreateRequest is the wire format on <prefix>.create.
type CreateRequest struct {
	DefinitionID string                 `json:"definitionId,omitempty"`
	MachineID    string                 `json:"machineId,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Reply is sent back on request-style messages.
type Reply struct {
	OK        bool   `json:"ok"`
	MachineID string `json:"machineId,omitempty"`
	FromState string `json:"fromState,omitempty"`
	ToState   string `json:"toState,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NATSSource subscribes to the event and create subjects and routes into the
// registry. Handlers run on the NATS delivery goroutines; the registry's
// mailboxes give per-machine ordering, so no extra serialization happens
// here.
type NATSSource struct {
	nc      *nats.Conn
	reg     *registry.Registry
	prefix  string
	timeout time.Duration
	logger  core.Logger
	tracer  trace.Tracer

	subs []*nats.Subscription
}

// SourceOption configures the source.
type SourceOption func(*NATSSource)

// WithRequestTimeout bounds synchronous routing on request messages.
// Default 5s.
func WithRequestTimeout(d time.Duration) SourceOption {
	return func(s *NATSSource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSourceLogger sets a custom logger.
func WithSourceLogger(logger core.Logger) SourceOption {
	return func(s *NATSSource) { s.logger = logger }
}

// WithTracer overrides the tracer; the default comes from the global
// provider.
func WithTracer(tracer trace.Tracer) SourceOption {
	return func(s *NATSSource) { s.tracer = tracer }
}

// NewNATSSource creates a stopped source; call Start to subscribe. prefix
// defaults to "stateflow".
func NewNATSSource(nc *nats.Conn, reg *registry.Registry, prefix string, opts ...SourceOption) *NATSSource {
	if prefix == "" {
		prefix = "stateflow"
	}
	s := &NATSSource{
		nc:      nc,
		reg:     reg,
		prefix:  prefix,
		timeout: 5 * time.Second,
		logger:  core.NewDefaultLogger(),
		tracer:  otel.Tracer("stateflow/ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to <prefix>.events.> and <prefix>.create.
func (s *NATSSource) Start() error {
	eventSub, err := s.nc.Subscribe(s.prefix+".events.>", s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.subs = append(s.subs, eventSub)

	createSub, err := s.nc.Subscribe(s.prefix+".create", s.handleCreate)
	if err != nil {
		return fmt.Errorf("subscribe create: %w", err)
	}
	s.subs = append(s.subs, createSub)

	s.logger.Infof("nats source listening on %s.events.> and %s.create", s.prefix, s.prefix)
	return nil
}

// Stop drains the subscriptions.
func (s *NATSSource) Stop() {
	for _, sub := range s.subs {
		sub.Drain()
	}
	s.subs = nil
}

func (s *NATSSource) handleEvent(msg *nats.Msg) {
	machineID := strings.TrimPrefix(msg.Subject, s.prefix+".events.")
	if machineID == "" || strings.Contains(machineID, ".") {
		s.logger.Warnf("nats source: malformed event subject %s", msg.Subject)
		return
	}

	var env EventEnvelope
	if err := core.JSONDecode(msg.Data, &env); err != nil {
		s.reply(msg, Reply{Error: fmt.Sprintf("malformed event: %v", err)})
		return
	}
	ev := fsm.NewEvent(env.Type, env.Payload)
	ev.CorrelationID = env.CorrelationID

	ctx, span := s.tracer.Start(context.Background(), "ingest.event",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("machine.id", machineID),
			attribute.String("event.type", ev.Type),
		))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if msg.Reply == "" {
		if err := s.reg.RouteEvent(ctx, machineID, ev); err != nil {
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warnf("nats source: route %s to machine %s: %v", ev.Type, machineID, err)
		}
		return
	}

	res, err := s.reg.RouteEventWait(ctx, machineID, ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.reply(msg, Reply{MachineID: machineID, Error: err.Error()})
		return
	}
	s.reply(msg, Reply{
		OK:        true,
		MachineID: machineID,
		FromState: res.FromState,
		ToState:   res.ToState,
		Result:    resultName(res.Kind),
	})
}

func (s *NATSSource) handleCreate(msg *nats.Msg) {
	var req CreateRequest
	if err := core.JSONDecode(msg.Data, &req); err != nil {
		s.reply(msg, Reply{Error: fmt.Sprintf("malformed create request: %v", err)})
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "ingest.create",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("definition.id", req.DefinitionID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.reg.Create(ctx, req.DefinitionID, req.MachineID, req.Data)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.reply(msg, Reply{MachineID: req.MachineID, Error: err.Error()})
		return
	}
	s.reply(msg, Reply{OK: true, MachineID: id})
}

func (s *NATSSource) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	payload, err := core.JSONEncode(r)
	if err != nil {
		s.logger.Errorf("nats source: encode reply: %v", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warnf("nats source: respond: %v", err)
	}
}

func resultName(kind fsm.ResultKind) string {
	switch kind {
	case fsm.ResultTransitioned:
		return "transitioned"
	case fsm.ResultStayed:
		return "stayed"
	default:
		return "ignored"
	}
}
