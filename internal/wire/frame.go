// Package wire implements the snapshot stream framing: each frame is a
// 4-byte big-endian length prefix followed by exactly that many payload bytes.
// There is no handshake, magic number, or acknowledgement; establishing the
// connection is the only handshake.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameBytes caps the declared payload length of a single frame.
// Scene exports with bundled textures run large, but the cap must exist so a
// malformed or malicious length prefix cannot drive an arbitrary allocation.
const DefaultMaxFrameBytes = 256 << 20 // 256 MiB

// Errors returned by the frame reader.
var (
	// ErrInvalidLength is returned when a frame declares a zero length or a
	// length above the configured maximum. No payload bytes are consumed.
	ErrInvalidLength = errors.New("wire: invalid frame length")
	// ErrTruncatedFrame is returned when the stream closes mid-prefix or
	// mid-payload, as opposed to a clean close on a frame boundary.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
)

// FrameReader reassembles frames from a byte stream that may deliver
// partial reads of arbitrary size. It is not safe for concurrent use;
// one reader owns one connection.
type FrameReader struct {
	r   *bufio.Reader
	max uint32
}

// NewFrameReader wraps r with a frame reassembler. maxFrameBytes of 0
// selects DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxFrameBytes uint32) *FrameReader {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &FrameReader{
		r:   bufio.NewReader(r),
		max: maxFrameBytes,
	}
}

// Next reads one complete frame and returns its payload.
//
// A clean close on a frame boundary returns io.EOF. A close mid-prefix or
// mid-payload returns ErrTruncatedFrame. A declared length of zero or above
// the maximum returns ErrInvalidLength without consuming payload bytes.
// Any other read error is propagated as-is.
func (fr *FrameReader) Next() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			// Peer closed between frames.
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed mid length prefix", ErrTruncatedFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > fr.max {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidLength, length, fr.max)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d payload bytes", ErrTruncatedFrame, n, length)
		}
		return nil, err
	}

	return payload, nil
}

// WriteFrame writes payload as one frame: length prefix followed by the
// payload bytes. The payload must be non-empty and fit in a uint32.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidLength)
	}
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: payload of %d bytes", ErrInvalidLength, len(payload))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
