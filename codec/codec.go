// Package codec serializes cache values to the bytes a store keeps.
//
// When Options.Equal is not set, kvcache compares values by their encoded
// bytes (ReplaceValue, RemoveValue), so a codec used that way must be
// deterministic: equal values must encode to equal bytes. JSON, String and
// Bytes are; use NewCBOR(true) for CBOR. Msgpack and Protobuf are stable for
// structs but not for maps.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
