package envelope

import (
	"bytes"
	"encoding/json"
)

// MarshalCanonical serializes v as key-sorted UTF-8 JSON without HTML
// escaping. Broker payloads go through this so byte-identical inputs
// produce byte-identical messages regardless of struct field order.
func MarshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through interface{} so objects become maps, which
	// encoding/json emits with sorted keys.
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
