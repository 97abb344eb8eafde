// Package stream carries store change records to handlers in the canonical
// attribute-typed wire encoding.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// AttributeValue is one value in the canonical wire encoding: strings,
// numbers as strings, booleans, nested maps and lists.
type AttributeValue struct {
	S    *string                   `json:"S,omitempty"`
	N    *string                   `json:"N,omitempty"`
	BOOL *bool                     `json:"BOOL,omitempty"`
	M    map[string]AttributeValue `json:"M,omitempty"`
	L    []AttributeValue          `json:"L,omitempty"`
	NULL *bool                     `json:"NULL,omitempty"`
}

// EncodeImage converts an entity into the attribute-typed map. The entity is
// flattened through its JSON form first, so struct tags decide field names.
func EncodeImage(entity any) (map[string]AttributeValue, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var plain map[string]any
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	image := make(map[string]AttributeValue, len(plain))
	for key, value := range plain {
		av, err := encodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		image[key] = av
	}
	return image, nil
}

// DecodeImage normalizes an attribute-typed map back into the plain entity.
func DecodeImage(image map[string]AttributeValue, out any) error {
	plain := make(map[string]any, len(image))
	for key, av := range image {
		plain[key] = decodeValue(av)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal image: %w", err)
	}
	return nil
}

func encodeValue(value any) (AttributeValue, error) {
	switch v := value.(type) {
	case nil:
		null := true
		return AttributeValue{NULL: &null}, nil
	case string:
		return AttributeValue{S: &v}, nil
	case bool:
		return AttributeValue{BOOL: &v}, nil
	case json.Number:
		n := v.String()
		return AttributeValue{N: &n}, nil
	case float64:
		n := strconv.FormatFloat(v, 'f', -1, 64)
		return AttributeValue{N: &n}, nil
	case map[string]any:
		m := make(map[string]AttributeValue, len(v))
		for key, nested := range v {
			av, err := encodeValue(nested)
			if err != nil {
				return AttributeValue{}, err
			}
			m[key] = av
		}
		return AttributeValue{M: m}, nil
	case []any:
		l := make([]AttributeValue, 0, len(v))
		for _, nested := range v {
			av, err := encodeValue(nested)
			if err != nil {
				return AttributeValue{}, err
			}
			l = append(l, av)
		}
		return AttributeValue{L: l}, nil
	default:
		return AttributeValue{}, fmt.Errorf("unsupported value type %T", value)
	}
}

func decodeValue(av AttributeValue) any {
	switch {
	case av.S != nil:
		return *av.S
	case av.N != nil:
		return json.Number(*av.N)
	case av.BOOL != nil:
		return *av.BOOL
	case av.M != nil:
		plain := make(map[string]any, len(av.M))
		for key, nested := range av.M {
			plain[key] = decodeValue(nested)
		}
		return plain
	case av.L != nil:
		plain := make([]any, 0, len(av.L))
		for _, nested := range av.L {
			plain = append(plain, decodeValue(nested))
		}
		return plain
	default:
		return nil
	}
}
