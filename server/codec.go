package server

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/scavenger/journal"
)

// CodecName is the Connect codec name; requests carry
// Content-Type application/cbor.
const CodecName = "cbor"

// Codec marshals Connect messages as canonical CBOR, the same encoding the
// journal stores.
type Codec struct{}

// Name implements connect.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements connect.Codec.
func (Codec) Marshal(msg any) ([]byte, error) {
	return journal.EncMode().Marshal(msg)
}

// Unmarshal implements connect.Codec.
func (Codec) Unmarshal(data []byte, msg any) error {
	return cbor.Unmarshal(data, msg)
}
