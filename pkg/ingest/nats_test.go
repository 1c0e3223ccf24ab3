package ingest

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/fsm"
	"github.com/stateflowio/stateflow/pkg/persistence"
	"github.com/stateflowio/stateflow/pkg/registry"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatalf("embedded nats not ready")
	}
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func startRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	def, err := fsm.NewBuilder("order").
		InitialState("OPEN").
		State("OPEN").
		On("submit", "PLACED").
		Done().
		State("PLACED").
		On("cancel", "CANCELLED").
		Done().
		State("CANCELLED").
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

func request(t *testing.T, nc *nats.Conn, subject string, body interface{}) Reply {
	t.Helper()
	payload, err := core.JSONEncode(body)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	msg, err := nc.Request(subject, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply Reply
	if err := core.JSONDecode(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestNATSSourceCreateAndRoute(t *testing.T) {
	nc := startNATS(t)
	reg := startRegistry(t)

	src := NewNATSSource(nc, reg, "test", WithSourceLogger(core.NopLogger{}))
	if err := src.Start(); err != nil {
		t.Fatalf("start source: %v", err)
	}
	defer src.Stop()

	reply := request(t, nc, "test.create", CreateRequest{DefinitionID: "order", MachineID: "o-1"})
	if !reply.OK || reply.MachineID != "o-1" {
		t.Fatalf("create reply: %+v", reply)
	}
	if !reg.IsLive("o-1") {
		t.Fatalf("machine not live after create")
	}

	reply = request(t, nc, "test.events.o-1", EventEnvelope{Type: "submit"})
	if !reply.OK || reply.FromState != "OPEN" || reply.ToState != "PLACED" || reply.Result != "transitioned" {
		t.Fatalf("event reply: %+v", reply)
	}

	// Unhandled events report ignored, not an error.
	reply = request(t, nc, "test.events.o-1", EventEnvelope{Type: "nonsense"})
	if !reply.OK || reply.Result != "ignored" {
		t.Fatalf("ignored reply: %+v", reply)
	}
}

func TestNATSSourceGeneratesMachineID(t *testing.T) {
	nc := startNATS(t)
	reg := startRegistry(t)

	src := NewNATSSource(nc, reg, "test", WithSourceLogger(core.NopLogger{}))
	if err := src.Start(); err != nil {
		t.Fatalf("start source: %v", err)
	}
	defer src.Stop()

	reply := request(t, nc, "test.create", CreateRequest{DefinitionID: "order"})
	if !reply.OK || reply.MachineID == "" {
		t.Fatalf("create reply: %+v", reply)
	}
	if !reg.IsLive(reply.MachineID) {
		t.Fatalf("generated id %s not live", reply.MachineID)
	}
}

func TestNATSSourceErrorsTravelInReplies(t *testing.T) {
	nc := startNATS(t)
	reg := startRegistry(t)

	src := NewNATSSource(nc, reg, "test", WithSourceLogger(core.NopLogger{}))
	if err := src.Start(); err != nil {
		t.Fatalf("start source: %v", err)
	}
	defer src.Stop()

	reply := request(t, nc, "test.events.missing", EventEnvelope{Type: "submit"})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected routing error, got %+v", reply)
	}

	reply = request(t, nc, "test.create", CreateRequest{DefinitionID: "no-such"})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected unknown definition error, got %+v", reply)
	}

	// Malformed JSON.
	msg, err := nc.Request("test.create", []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var r Reply
	if err := core.JSONDecode(msg.Data, &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.OK || r.Error == "" {
		t.Fatalf("expected decode error, got %+v", r)
	}
}

func TestNATSSourceFireAndForget(t *testing.T) {
	nc := startNATS(t)
	reg := startRegistry(t)

	src := NewNATSSource(nc, reg, "test", WithSourceLogger(core.NopLogger{}))
	if err := src.Start(); err != nil {
		t.Fatalf("start source: %v", err)
	}
	defer src.Stop()

	if _, err := reg.Create(context.Background(), "order", "o-ff", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	payload, _ := core.JSONEncode(EventEnvelope{Type: "submit"})
	if err := nc.Publish("test.events.o-ff", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := reg.Inspect("o-ff"); ok && info.State == "PLACED" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("published event never applied")
}

func TestNATSSourceStartsSpans(t *testing.T) {
	nc := startNATS(t)
	reg := startRegistry(t)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	src := NewNATSSource(nc, reg, "test",
		WithSourceLogger(core.NopLogger{}),
		WithTracer(tp.Tracer("ingest-test")),
	)
	if err := src.Start(); err != nil {
		t.Fatalf("start source: %v", err)
	}
	defer src.Stop()

	request(t, nc, "test.create", CreateRequest{DefinitionID: "order", MachineID: "o-traced"})
	request(t, nc, "test.events.o-traced", EventEnvelope{Type: "submit"})

	// Spans end just after the reply goes out; give the handlers a moment.
	var spans []sdktrace.ReadOnlySpan
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if spans = recorder.Ended(); len(spans) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "ingest.create" || spans[1].Name() != "ingest.event" {
		t.Fatalf("unexpected span names %q, %q", spans[0].Name(), spans[1].Name())
	}
	var machineID string
	for _, attr := range spans[1].Attributes() {
		if attr.Key == "machine.id" {
			machineID = attr.Value.AsString()
		}
	}
	if machineID != "o-traced" {
		t.Errorf("event span carries machine id %q", machineID)
	}
}
