package journal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/scavenger/gc"
)

// encMode is canonical so that equal stats always encode to equal bytes.
var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// EncMode returns the CBOR encoding mode used for journal blobs.
func EncMode() cbor.EncMode { return encMode }

// MarshalStats serializes cycle statistics to CBOR bytes.
func MarshalStats(st *gc.CycleStats) ([]byte, error) {
	return encMode.Marshal(st)
}

// UnmarshalStats deserializes cycle statistics from CBOR bytes.
func UnmarshalStats(data []byte) (*gc.CycleStats, error) {
	var st gc.CycleStats
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("journal: unmarshal stats: %w", err)
	}
	return &st, nil
}

// MarshalCensus serializes a heap census to CBOR bytes.
func MarshalCensus(c *gc.Census) ([]byte, error) {
	return encMode.Marshal(c)
}

// UnmarshalCensus deserializes a heap census from CBOR bytes.
func UnmarshalCensus(data []byte) (*gc.Census, error) {
	var c gc.Census
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("journal: unmarshal census: %w", err)
	}
	return &c, nil
}
