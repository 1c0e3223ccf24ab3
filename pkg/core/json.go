package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Error is the infrastructure error type shared by the lower layers
// (pools, codecs, transports).
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// JSONEncode encodes a value to JSON bytes using Sonic.
// Sonic is substantially faster than encoding/json on the snapshot and
// context-blob hot paths.
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// JSONDecode decodes JSON bytes into v using Sonic.
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
