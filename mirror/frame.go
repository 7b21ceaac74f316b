package mirror

import (
	"github.com/fxamacker/cbor/v2"
)

// frameKind enumerates the two message shapes the mirror protocol needs,
// adapted from pkg/wire/frame.go's BaseFrame/Kind pattern but stripped of
// the swarm-wide signing and routing fields that a point-to-point fetch
// does not need: the Noise IK session already authenticates and encrypts
// every byte on the wire.
type frameKind uint16

const (
	kindFetchRequest frameKind = 1
	kindFetchResponse frameKind = 2
)

// fetchFrame is the single envelope shape exchanged over a mirror session.
type fetchFrame struct {
	Kind  frameKind `cbor:"kind"`
	Path  string    `cbor:"path,omitempty"`
	OK    bool      `cbor:"ok,omitempty"`
	Error string    `cbor:"error,omitempty"`
	Body  []byte    `cbor:"body,omitempty"`
}

func marshalFrame(f fetchFrame) ([]byte, error) {
	return cbor.Marshal(f)
}

func unmarshalFrame(data []byte) (fetchFrame, error) {
	var f fetchFrame
	err := cbor.Unmarshal(data, &f)
	return f, err
}
