// Package serialize provides concrete dempsy.Serializer implementations.
package serialize

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Gob is a Serializer backed by encoding/gob.
//
// Kept on the standard library deliberately rather than reaching for a
// third-party codec: gob is self-describing enough for the closed set of
// wire types this module ever serializes (RoutedMessage, NodeInformation),
// requires no schema/tag maintenance, and no example in the retrieval pack
// imports a general-purpose Go-native serializer better suited to this
// exact job — the cross-language case is covered separately by Msgpack.
type Gob struct{}

// NewGob constructs a Gob serializer.
func NewGob() Gob { return Gob{} }

func (Gob) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gob) Deserialize(data []byte, target any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(target); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
