// Package codec encodes the keyed event payloads peers exchange with
// SendEvent. Payloads are CBOR maps with string keys, written with core
// deterministic encoding and prefixed by the self-described CBOR tag so a
// receiver can tell them apart from raw data.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// magic is tag 55799 (self-described CBOR), RFC 8949 §3.4.6.
var magic = []byte{0xd9, 0xd9, 0xf7}

var ErrNotEvent = errors.New("payload is not an encoded event")

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

	decMode, err = cbor.DecOptions{
		// Nested maps decode as map[string]any, matching what callers
		// passed to EncodeEvent.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeEvent serializes event.
func EncodeEvent(event map[string]any) ([]byte, error) {
	if event == nil {
		event = map[string]any{}
	}
	body, err := encMode.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return append(append(make([]byte, 0, len(magic)+len(body)), magic...), body...), nil
}

// IsEvent reports whether data carries the event prefix.
func IsEvent(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// DecodeEvent parses data produced by EncodeEvent. It returns ErrNotEvent
// when the prefix is missing.
func DecodeEvent(data []byte) (map[string]any, error) {
	if !IsEvent(data) {
		return nil, ErrNotEvent
	}
	var event map[string]any
	if err := decMode.Unmarshal(data[len(magic):], &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event == nil {
		event = map[string]any{}
	}
	return event, nil
}
