package observer

import (
	"github.com/stateflowio/stateflow/pkg/core"
)

// LogSubscriber mirrors bus traffic into the process log. Mainly useful in
// development and in tests chasing transition ordering.
type LogSubscriber struct {
	sub    *Subscription
	logger core.Logger
	done   chan struct{}
}

// AttachLogger subscribes a logging consumer to the bus.
func AttachLogger(bus *Bus, logger core.Logger) *LogSubscriber {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	l := &LogSubscriber{
		sub:    bus.Subscribe("log", 256),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Close detaches from the bus and waits for the consumer to exit.
func (l *LogSubscriber) Close() {
	l.sub.Close()
	<-l.done
}

func (l *LogSubscriber) run() {
	defer close(l.done)
	for msg := range l.sub.C() {
		switch {
		case msg.Snapshot != nil:
			s := msg.Snapshot
			if s.Error != "" {
				l.logger.Warnf("machine %s %s %s -> %s on %s (v%d): %s",
					s.MachineID, s.Kind, s.StateBefore, s.StateAfter, s.EventType, s.Version, s.Error)
				continue
			}
			l.logger.Debugf("machine %s %s %s -> %s on %s (v%d)",
				s.MachineID, s.Kind, s.StateBefore, s.StateAfter, s.EventType, s.Version)
		case msg.Lifecycle != nil:
			ev := msg.Lifecycle
			l.logger.Infof("lifecycle %s machine=%s %s", ev.Kind, ev.MachineID, ev.Detail)
		}
	}
}
