package serialize

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Msgpack is a Serializer backed by hashicorp/go-msgpack, grounded on
// jabolina-go-mcast's direct use of the same library. Msgpack is the
// cross-language-friendly wire format: unlike Gob it doesn't require a Go
// decoder on the receiving end, which matters once a node's peers aren't
// guaranteed to be Go processes.
type Msgpack struct {
	handle codec.MsgpackHandle
}

// NewMsgpack constructs a Msgpack serializer.
func NewMsgpack() *Msgpack {
	return &Msgpack{}
}

func (m *Msgpack) Serialize(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &m.handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf, nil
}

func (m *Msgpack) Deserialize(data []byte, target any) error {
	dec := codec.NewDecoderBytes(data, &m.handle)
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
