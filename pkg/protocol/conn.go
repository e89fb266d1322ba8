package protocol

import (
	"io"
	"sync"

	"github.com/sidkik/quicksync/pkg/errors"
)

// ErrHandshakeNotSent is returned when a message is sent before our own
// Version message.
var ErrHandshakeNotSent = errors.New("the version handshake hasn't been sent")

// Conn wraps a byte stream with the version handshake rules. Send is safe
// for concurrent use. Receive must only be called from a single goroutine.
type Conn struct {
	rw io.ReadWriteCloser

	writeLock   sync.Mutex
	versionSent bool

	peerVersionKnown bool
}

// NewConn wraps `rw`. The handshake still has to be performed.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw}
}

// Handshake sends our version and waits for the peer's. It fails with
// errors.ProtocolVersionMismatch if the peer runs a different version, or
// sends anything else first.
func (c *Conn) Handshake() error {
	if err := c.SendVersion(); err != nil {
		return errors.WithContext(err, "send version")
	}

	if _, err := c.Receive(); err != nil {
		return errors.WithContext(err, "receive version")
	}
	return nil
}

// SendVersion announces our protocol version to the peer.
func (c *Conn) SendVersion() error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := WriteMessage(c.rw, VersionMessage{Version: Version}); err != nil {
		return err
	}
	c.versionSent = true
	return nil
}

// Send writes `msg` to the peer.
func (c *Conn) Send(msg Message) error {
	if _, ok := msg.(VersionMessage); ok {
		return c.SendVersion()
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if !c.versionSent {
		return ErrHandshakeNotSent
	}
	return WriteMessage(c.rw, msg)
}

// Receive blocks until the next message arrives. Version messages are
// validated here and also returned to the caller.
func (c *Conn) Receive() (Message, error) {
	msg, err := ReadMessage(c.rw)
	if err != nil {
		return nil, err
	}

	if version, ok := msg.(VersionMessage); ok {
		if version.Version != Version {
			return nil, errors.ProtocolVersionMismatch{
				Local:  Version,
				Remote: version.Version,
			}
		}
		c.peerVersionKnown = true
		return msg, nil
	}

	if !c.peerVersionKnown {
		return nil, errors.ProtocolVersionMismatch{Local: Version, Remote: -1}
	}
	return msg, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}
