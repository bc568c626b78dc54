// Package codec is the CBOR encoding used for replicated field values and
// peer sync frames. Encoding is Core Deterministic (sorted map keys, shortest
// integers), so equal values always produce equal bytes on every replica.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Field values decode into any; string-keyed maps keep them usable with
	// encoding/json when tasks are exported.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeFields encodes each value of fields separately so replicas can merge
// them field by field.
func EncodeFields(fields map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		b, err := Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}

// DecodeValue decodes one encoded field value. Unsigned integers that fit
// decode as int64 so numbers compare the same whichever peer wrote them.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if u, ok := v.(uint64); ok && u <= 1<<63-1 {
		return int64(u), nil
	}
	return v, nil
}
