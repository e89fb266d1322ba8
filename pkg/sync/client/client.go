package client

//go:generate mockery -name Client

import (
	"context"
	"net"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/protocol"
)

// The time allowed for the server to answer our version.
const handshakeTimeout = 10 * time.Second

// ErrClosed is returned when sending on a client that has been closed.
var ErrClosed = errors.New("connection closed")

// Client is a connection to a quicksync server. Sends never block: messages
// are queued and written in the background, so a slow server can't stall
// the caller.
type Client interface {
	SetTargetDirectory(path string) error
	StatFile(path string) error
	SendFile(protocol.SendFile) error
	DeleteFile(path string) error

	// Messages returns the messages sent by the server. The channel is
	// closed when the connection ends.
	Messages() <-chan protocol.Message

	// Err returns why the connection ended. It may only be called after
	// the Messages channel has been closed.
	Err() error

	Close() error
}

type client struct {
	conn *protocol.Conn
	log  logrus.FieldLogger

	msgs chan protocol.Message
	err  error

	queueLock goSync.Mutex
	queue     []protocol.Message
	queued    chan struct{}

	closing   chan struct{}
	closeOnce goSync.Once
}

var dial = func(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to the server at `addr` and performs the version handshake.
// A version mismatch is returned as errors.ProtocolVersionMismatch.
func Dial(ctx context.Context, addr string, log logrus.FieldLogger) (Client, error) {
	netConn, err := dial(ctx, addr)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	conn := protocol.NewConn(netConn)
	_ = netConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.Handshake(); err != nil {
		netConn.Close()
		return nil, errors.WithContext(err, "handshake")
	}
	_ = netConn.SetDeadline(time.Time{})

	c := newClient(conn, log.WithFields(logrus.Fields{
		"session": uuid.New().String(),
		"server":  addr,
	}))
	c.log.Debug("Connected to server")
	return c, nil
}

func newClient(conn *protocol.Conn, log logrus.FieldLogger) *client {
	c := &client{
		conn:    conn,
		log:     log,
		msgs:    make(chan protocol.Message, 64),
		queued:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *client) SetTargetDirectory(path string) error {
	return c.send(protocol.TargetDirectory{Path: path})
}

func (c *client) StatFile(path string) error {
	return c.send(protocol.StatFileRequest{Path: path})
}

func (c *client) SendFile(msg protocol.SendFile) error {
	return c.send(msg)
}

func (c *client) DeleteFile(path string) error {
	return c.send(protocol.DeleteFile{Path: path})
}

func (c *client) Messages() <-chan protocol.Message {
	return c.msgs
}

func (c *client) Err() error {
	return c.err
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

func (c *client) send(msg protocol.Message) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	c.queueLock.Lock()
	c.queue = append(c.queue, msg)
	c.queueLock.Unlock()

	select {
	case c.queued <- struct{}{}:
	default:
	}
	return nil
}

func (c *client) writeLoop() {
	defer util.HandlePanic()

	for {
		select {
		case <-c.closing:
			return
		case <-c.queued:
		}

		c.queueLock.Lock()
		batch := c.queue
		c.queue = nil
		c.queueLock.Unlock()

		for _, msg := range batch {
			if err := c.conn.Send(msg); err != nil {
				// Closing the connection also stops the reader, which
				// reports the failure to the caller.
				c.log.WithError(err).WithField("command", msg.Command()).Debug(
					"Failed to send message")
				c.Close()
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer util.HandlePanic()
	defer close(c.msgs)

	for {
		msg, err := c.conn.Receive()
		if err != nil {
			select {
			case <-c.closing:
				c.err = ErrClosed
			default:
				c.err = err
			}
			return
		}

		// The handshake already checked the version. A repeated Version
		// message is harmless.
		if _, ok := msg.(protocol.VersionMessage); ok {
			continue
		}

		select {
		case c.msgs <- msg:
		case <-c.closing:
			c.err = ErrClosed
			return
		}
	}
}
