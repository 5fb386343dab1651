package telemetry

import (
	"encoding/json"
	"fmt"
)

// unserializable is stored in place of a payload that cannot be encoded.
type unserializable struct {
	Unserializable bool   `json:"unserializable"`
	Type           string `json:"type"`
	Reason         string `json:"reason"`
}

// EncodePayload serializes v for storage. Values that cannot be encoded
// (cycles, channels, funcs, a MarshalJSON that fails or panics) are
// replaced by a simplified record naming the Go type and the reason.
// Error values are recorded by their message.
func EncodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		v = map[string]string{"error": err.Error()}
	}

	data, err := safeMarshal(v)
	if err == nil {
		return data
	}

	fallback, ferr := json.Marshal(unserializable{
		Unserializable: true,
		Type:           fmt.Sprintf("%T", v),
		Reason:         err.Error(),
	})
	if ferr != nil {
		return json.RawMessage(`{"unserializable":true}`)
	}
	return fallback
}

func safeMarshal(v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("marshal panicked: %v", r)
		}
	}()
	return json.Marshal(v)
}
