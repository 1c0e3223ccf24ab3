package fsm

import (
	"encoding/base64"
	"time"
)

// SnapshotKind classifies snapshots emitted to observers.
type SnapshotKind string

const (
	SnapshotTransition SnapshotKind = "transition"
	SnapshotStay       SnapshotKind = "stay"
	SnapshotIgnored    SnapshotKind = "ignored"
	SnapshotRehydrated SnapshotKind = "rehydrated"
)

// Snapshot is the immutable record of one transition, emitted to the
// observer bus. Context payloads are JSON-serialized and base64-wrapped so
// observers can treat them as opaque blobs.
type Snapshot struct {
	MachineID               string                 `json:"machineId"`
	Version                 uint64                 `json:"version"`
	RunID                   string                 `json:"runId"`
	StateBefore             string                 `json:"stateBefore,omitempty"`
	StateAfter              string                 `json:"stateAfter"`
	EventType               string                 `json:"eventType"`
	EventPayload            map[string]interface{} `json:"eventPayload,omitempty"`
	ContextBefore           string                 `json:"contextBefore,omitempty"`
	ContextAfter            string                 `json:"contextAfter,omitempty"`
	TransitionDurationNanos int64                  `json:"transitionDurationNanos"`
	Timestamp               time.Time              `json:"timestamp"`
	MachineOnline           bool                   `json:"machineOnline"`
	StateOffline            bool                   `json:"stateOffline"`
	RegistryStatus          string                 `json:"registryStatus"`
	Kind                    SnapshotKind           `json:"kind"`
	Error                   string                 `json:"error,omitempty"`
}

// encodeContextBlob wraps an already-encoded context JSON blob in base64.
func encodeContextBlob(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeSnapshotContext unwraps the base64 context payload of a snapshot
// back into a Context. Meant for observers and tests.
func DecodeSnapshotContext(wrapped string) (*Context, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	return DecodeContext(blob)
}
