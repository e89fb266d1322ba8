package protocol

import (
	"io"

	"github.com/sidkik/quicksync/pkg/errors"
)

const headerSize = 8

// MaxPayloadSize bounds the payload length accepted from a peer.
const MaxPayloadSize = 1 << 30

// WriteFrame writes a single frame to `w`. The header and payload are
// written with one call so that concurrent writers on a locked connection
// never interleave partial frames.
func WriteFrame(w io.Writer, cmd Command, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.New("payload of %d bytes exceeds the maximum of %d",
			len(payload), MaxPayloadSize)
	}

	frame := make([]byte, headerSize+len(payload))
	byteOrder.PutUint32(frame[0:4], uint32(cmd))
	byteOrder.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	_, err := w.Write(frame)
	return err
}

// ReadFrame blocks until a complete frame is available and returns its
// command id and payload. A partial frame is never returned: if the stream
// ends in the middle of a frame, io.ErrUnexpectedEOF is returned. A stream
// that ends cleanly between frames returns io.EOF.
func ReadFrame(r io.Reader) (Command, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	cmd := Command(int32(byteOrder.Uint32(header[0:4])))
	size := int32(byteOrder.Uint32(header[4:8]))
	if size < 0 || size > MaxPayloadSize {
		return 0, nil, errors.New("invalid payload length %d for command %d", size, cmd)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return cmd, payload, nil
}

// WriteMessage encodes and frames `msg`.
func WriteMessage(w io.Writer, msg Message) error {
	return WriteFrame(w, msg.Command(), Encode(msg))
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	cmd, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(cmd, payload)
}
