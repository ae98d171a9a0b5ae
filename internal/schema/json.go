package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mesh-intelligence/docstore/pkg/types"
)

var _ types.Serializer = JSONSerializer{}

// JSONSerializer stores documents as JSON.
type JSONSerializer struct{}

// Serialize marshals v.
func (JSONSerializer) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing %T: %w", v, err)
	}
	return data, nil
}

// Deserialize unmarshals data into a new value of typ. Pointer types yield a
// pointer to a fresh value.
func (JSONSerializer) Deserialize(data []byte, typ reflect.Type) (any, error) {
	if typ.Kind() == reflect.Pointer {
		v := reflect.New(typ.Elem())
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, fmt.Errorf("deserializing %v: %w", typ, err)
		}
		return v.Interface(), nil
	}
	v := reflect.New(typ)
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("deserializing %v: %w", typ, err)
	}
	return v.Elem().Interface(), nil
}
