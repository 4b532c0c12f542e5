// Package serialization encodes task payloads with a one-byte format prefix so callbacks
// can decode JSON and protobuf payloads without knowing how they were scheduled.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// PayloadFormat is the first byte of an encoded payload
type PayloadFormat byte

const (
	// FormatJSON marks a JSON payload
	FormatJSON PayloadFormat = 0x00

	// FormatProtobuf marks a protobuf wire-format payload
	FormatProtobuf PayloadFormat = 0x01
)

func (f PayloadFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(f))
	}
}

var (
	// ErrUnknownFormat is returned when the payload format cannot be determined
	ErrUnknownFormat = errors.New("unknown payload format")

	// ErrMarshalFailed is returned when encoding fails
	ErrMarshalFailed = errors.New("failed to marshal payload")

	// ErrUnmarshalFailed is returned when decoding fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// Serializer encodes payloads in its default format and decodes any known format
type Serializer struct {
	DefaultFormat PayloadFormat
}

// NewJSONSerializer returns a serializer that writes JSON payloads
func NewJSONSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatJSON}
}

// NewProtobufSerializer returns a serializer that writes protobuf payloads
func NewProtobufSerializer() *Serializer {
	return &Serializer{DefaultFormat: FormatProtobuf}
}

// Default is used by the API and by callback contexts. Proto messages are always encoded
// as protobuf regardless of DefaultFormat; see Encode.
var Default = NewJSONSerializer()

// Encode serializes v. Values implementing proto.Message are written as protobuf,
// everything else in the serializer's default format.
func (s *Serializer) Encode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(proto.Message); ok {
		return s.EncodeWithFormat(v, FormatProtobuf)
	}
	return s.EncodeWithFormat(v, s.DefaultFormat)
}

// EncodeWithFormat serializes v in the given format
func (s *Serializer) EncodeWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case FormatJSON:
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: %T does not implement proto.Message", ErrMarshalFailed, v)
		}
		data, err = proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}

	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	out := make([]byte, len(data)+1)
	out[0] = byte(format)
	copy(out[1:], data)
	return out, nil
}

// EncodeRawJSON prefixes an already-encoded JSON document. Empty input yields nil.
func EncodeRawJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMarshalFailed)
	}
	out := make([]byte, len(raw)+1)
	out[0] = byte(FormatJSON)
	copy(out[1:], raw)
	return out, nil
}

// Decode deserializes data into v, detecting the format
func (s *Serializer) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrUnmarshalFailed)
	}

	format, body, err := DetectFormat(data)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: %T does not implement proto.Message", ErrUnmarshalFailed, v)
		}
		if err := proto.Unmarshal(body, msg); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil
	}

	return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
}

// DetectFormat returns the payload format and the body without its prefix.
// Un-prefixed JSON objects and arrays are accepted as JSON.
func DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	switch PayloadFormat(data[0]) {
	case FormatJSON:
		if len(data) < 2 {
			return FormatJSON, nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return FormatJSON, data[1:], nil
	case FormatProtobuf:
		// an empty protobuf message encodes to zero bytes
		return FormatProtobuf, data[1:], nil
	}

	if data[0] == '{' || data[0] == '[' {
		return FormatJSON, data, nil
	}
	return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
}

// JSONView returns the JSON body of a payload for display. Protobuf and empty payloads
// report false.
func JSONView(data []byte) (json.RawMessage, bool) {
	format, body, err := DetectFormat(data)
	if err != nil || format != FormatJSON || !json.Valid(body) {
		return nil, false
	}
	return json.RawMessage(body), true
}
