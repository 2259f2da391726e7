package report

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeMsgPack parses a MessagePack report. Older gateway encoders emit
// every key and string as a binary blob rather than a text string, so the
// decoded document is normalized before it is mapped onto the logical
// schema shared with the JSON variant.
func DecodeMsgPack(raw []byte) (*Decoded, error) {
	var doc interface{}
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptReport, err)
	}

	normalized, err := json.Marshal(coerceBinaryStrings(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptReport, err)
	}

	dec, err := DecodeJSON(normalized)
	if err != nil {
		return nil, err
	}
	dec.Ext = ".mp"
	return dec, nil
}

func coerceBinaryStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = coerceBinaryStrings(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = coerceBinaryStrings(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			switch key := k.(type) {
			case string:
				out[key] = coerceBinaryStrings(e)
			case []byte:
				out[string(key)] = coerceBinaryStrings(e)
			default:
				out[fmt.Sprint(key)] = coerceBinaryStrings(e)
			}
		}
		return out
	default:
		return v
	}
}
