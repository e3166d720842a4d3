package ml

import "encoding/binary"

const graphIdentifierSize = 32

// GraphIdentifier selects one graph inside a model cache.
type GraphIdentifier [graphIdentifierSize]byte

// NewGraphIdentifier stores graphID little-endian in the first four bytes.
func NewGraphIdentifier(graphID uint32) GraphIdentifier {
	var id GraphIdentifier
	binary.LittleEndian.PutUint32(id[:], graphID)
	return id
}

// Bytes returns the meaningful prefix passed to pipeline creation.
func (id GraphIdentifier) Bytes() []byte {
	return append([]byte(nil), id[:4]...)
}

func (id GraphIdentifier) GraphID() uint32 {
	return binary.LittleEndian.Uint32(id[:])
}
