package base

import (
	"encoding/binary"
	"io"
	"net"
)

const frameHeaderSize = 12

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readFrame reads a frame from r using the provided buffer.
// If the buffer is too small, a new buffer is allocated for the data.
func readFrame(r io.Reader, buf []byte) (uint64, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(header[:8])
	contentLength := int(binary.BigEndian.Uint32(header[8:12]))

	if contentLength == 0 {
		return requestID, []byte{}, nil
	}
	if len(buf) < contentLength {
		buf = make([]byte, contentLength)
	}
	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		return 0, nil, err
	}
	return requestID, buf[:contentLength], nil
}
