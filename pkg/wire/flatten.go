package wire

import "encoding/json"

// marshalFlat and unmarshalFlat let a struct store an open-ended set of
// top-level JSON keys in a map while still satisfying json.Marshaler, used
// by ServerCapabilities.
func marshalFlat(m map[string]interface{}) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalFlat(data []byte, out *map[string]interface{}) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*out = m
	return nil
}
