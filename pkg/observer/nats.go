package observer

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/stateflowio/stateflow/pkg/core"
)

// NATSPublisher relays bus messages onto NATS subjects so downstream
// analytics can consume transitions without a connection into the runtime.
// Snapshots go to <prefix>.snapshots.<machineId>, lifecycle events to
// <prefix>.lifecycle.<kind>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	sub    *Subscription
	logger core.Logger
	done   chan struct{}
}

// NewNATSPublisher attaches a relay to the bus. prefix defaults to
// "stateflow".
func NewNATSPublisher(nc *nats.Conn, bus *Bus, prefix string, logger core.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "stateflow"
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	p := &NATSPublisher{
		nc:     nc,
		prefix: prefix,
		sub:    bus.Subscribe("nats", 1024),
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Close detaches from the bus and waits for the relay to drain.
func (p *NATSPublisher) Close() {
	p.sub.Close()
	<-p.done
}

func (p *NATSPublisher) run() {
	defer close(p.done)
	for msg := range p.sub.C() {
		subject, payload, err := p.encode(msg)
		if err != nil {
			p.logger.Errorf("nats relay encode: %v", err)
			continue
		}
		if err := p.nc.Publish(subject, payload); err != nil {
			p.logger.Warnf("nats relay publish to %s: %v", subject, err)
		}
	}
}

func (p *NATSPublisher) encode(msg Message) (string, []byte, error) {
	switch {
	case msg.Snapshot != nil:
		payload, err := core.JSONEncode(msg.Snapshot)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s.snapshots.%s", p.prefix, msg.Snapshot.MachineID), payload, nil
	case msg.Lifecycle != nil:
		payload, err := core.JSONEncode(msg.Lifecycle)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s.lifecycle.%s", p.prefix, msg.Lifecycle.Kind), payload, nil
	}
	return "", nil, fmt.Errorf("empty observer message")
}
