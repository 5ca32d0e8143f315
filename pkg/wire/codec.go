package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts between Messages and the transport's raw payloads.
type Codec interface {
	Name() string
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// Codec names accepted by CodecByName.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown wire format %q (use json or cbor)", name)
	}
}

// envelope is the encoded shape. Empty fields are omitted.
type envelope struct {
	Name         string `json:"name,omitempty" cbor:"name,omitempty"`
	Data         any    `json:"data,omitempty" cbor:"data,omitempty"`
	CallID       string `json:"callId,omitempty" cbor:"callId,omitempty"`
	Status       Status `json:"status,omitempty" cbor:"status,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty" cbor:"errorMessage,omitempty"`
}

func toEnvelope(m *Message, data func(Value) any) envelope {
	env := envelope{
		Name:         m.Name,
		CallID:       m.CallID,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
	}
	if !m.Data.IsNull() {
		env.Data = data(m.Data)
	}
	return env
}

// JSONCodec is the document view's native encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	return json.Marshal(toEnvelope(m, Value.ToAny))
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	raw, err := decodeJSON(data)
	if err != nil {
		return nil, malformed("", "invalid JSON", err)
	}
	return fromFields(raw)
}

// CBORCodec encodes the same envelope as a CBOR map with string keys.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBORCodec with canonical key ordering. Empty fields are
// omitted by Go rules so that false, 0 and "" payloads stay on the wire.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{
		Sort:      cbor.SortCanonical,
		OmitEmpty: cbor.OmitEmptyGoValue,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return CodecCBOR }

func (c *CBORCodec) Encode(m *Message) ([]byte, error) {
	return c.enc.Marshal(toEnvelope(m, cborData))
}

func (c *CBORCodec) Decode(data []byte) (*Message, error) {
	var raw any
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return nil, malformed("", "invalid CBOR", err)
	}
	return fromFields(raw)
}

// cborData maps numbers to native CBOR integers or floats; json.Number would encode as text.
func cborData(v Value) any {
	switch v.Kind() {
	case KindNumber:
		if i, err := v.num.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(v.num), 10, 64); err == nil {
			return u
		}
		f, _ := v.num.Float64()
		return f
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = cborData(item)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = cborData(f)
		}
		return out
	default:
		return v.ToAny()
	}
}
