package fsm

import (
	"time"

	"github.com/stateflowio/stateflow/pkg/core"
)

// Context is the persistent, serializable part of a machine instance. It is
// what the persistence provider stores on eviction and what rehydration
// restores. Volatile data never lives here.
type Context struct {
	MachineID       string                 `json:"machineId"`
	Definition      string                 `json:"definition,omitempty"`
	State           string                 `json:"currentState"`
	LastStateChange time.Time              `json:"lastStateChange"`
	Complete        bool                   `json:"isComplete"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// NewContext creates a context for a machine starting in the given state.
func NewContext(machineID, initialState string) *Context {
	return &Context{
		MachineID:       machineID,
		State:           initialState,
		LastStateChange: time.Now(),
		Data:            make(map[string]interface{}),
	}
}

// Get reads a value from the domain payload.
func (c *Context) Get(key string) (interface{}, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}

// Set writes a value into the domain payload.
func (c *Context) Set(key string, value interface{}) {
	if c.Data == nil {
		c.Data = make(map[string]interface{})
	}
	c.Data[key] = value
}

// Clone returns a deep copy made through the JSON codec, so callers can
// inspect a context without racing the dispatcher.
func (c *Context) Clone() (*Context, error) {
	blob, err := core.JSONEncode(c)
	if err != nil {
		return nil, err
	}
	var out Context
	if err := core.JSONDecode(blob, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Encode serializes the context for storage.
func (c *Context) Encode() ([]byte, error) {
	return core.JSONEncode(c)
}

// DecodeContext deserializes a stored context blob.
func DecodeContext(blob []byte) (*Context, error) {
	var out Context
	if err := core.JSONDecode(blob, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
