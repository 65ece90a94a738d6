package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	propsEnc cbor.EncMode
	propsDec cbor.DecMode
)

func init() {
	var err error
	propsEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	propsDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeProperties serializes an event property map. Nil encodes as an empty map.
func EncodeProperties(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	return propsEnc.Marshal(props)
}

// DecodeProperties is the inverse of EncodeProperties. Empty input is an empty map.
func DecodeProperties(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := propsDec.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
