package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodePayload(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	tests := []struct {
		name           string
		input          any
		want           string
		unserializable bool
	}{
		{name: "nil", input: nil, want: ""},
		{name: "map", input: map[string]int{"status": 500}, want: `{"status":500}`},
		{name: "error", input: errors.New("timeout"), want: `{"error":"timeout"}`},
		{name: "channel", input: make(chan int), unserializable: true},
		{name: "func", input: func() {}, unserializable: true},
		{name: "cycle", input: cyclic, unserializable: true},
		{name: "panicking marshaler", input: panickingPayload{}, unserializable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodePayload(tt.input)

			if !tt.unserializable {
				if string(got) != tt.want {
					t.Errorf("EncodePayload() = %s, want %s", got, tt.want)
				}
				return
			}

			var fallback unserializable
			if err := json.Unmarshal(got, &fallback); err != nil {
				t.Fatalf("fallback is not valid JSON: %v", err)
			}
			if !fallback.Unserializable || fallback.Type == "" || fallback.Reason == "" {
				t.Errorf("incomplete fallback %+v", fallback)
			}
		})
	}
}
