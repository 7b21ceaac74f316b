package mirror

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxFrameSize = 16 * 1024 * 1024

// writeLengthPrefixed writes data as a 4-byte big-endian length prefix
// followed by data, the same shape pkg/transport's TCP/QUIC conns expect
// their framing layer to provide on top of a raw stream.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum %d", size, maxFrameSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
