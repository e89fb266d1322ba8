// Package protocol implements the framed binary protocol spoken between the
// quicksync client and server.
//
// Every message is a frame of the form
//
//	[int32 command id][int32 payload length][payload]
//
// with all integers in big-endian byte order. Both peers send a Version
// message as soon as the connection is established, and nothing else may be
// sent or received before it.
package protocol

import (
	"time"

	"github.com/sidkik/quicksync/pkg/errors"
)

// Version is the protocol version implemented by this package. Peers must
// agree on it exactly.
const Version int32 = 2

// Command identifies the type of a frame.
type Command int32

// The command ids. The order is part of the wire format.
const (
	CmdStatFileRequest Command = iota
	CmdStatFileReply
	CmdSendFile
	CmdSendFileResult
	CmdTargetDirectory
	CmdVersion
	CmdDeleteFile
)

func (c Command) String() string {
	switch c {
	case CmdStatFileRequest:
		return "StatFileRequest"
	case CmdStatFileReply:
		return "StatFileReply"
	case CmdSendFile:
		return "SendFile"
	case CmdSendFileResult:
		return "SendFileResult"
	case CmdTargetDirectory:
		return "TargetDirectory"
	case CmdVersion:
		return "Version"
	case CmdDeleteFile:
		return "DeleteFile"
	default:
		return "Unknown"
	}
}

// Message is implemented by all the message types.
type Message interface {
	Command() Command
	encode(*encoder)
}

// VersionMessage announces the sender's protocol version.
type VersionMessage struct {
	Version int32
}

// TargetDirectory sets the directory on the server that relative paths are
// resolved against. An empty path resets it to the server's default.
type TargetDirectory struct {
	Path string
}

// StatFileRequest asks the server for the modification time of a file.
type StatFileRequest struct {
	Path string
}

// StatFileReply answers a StatFileRequest. ModTime is the zero time if the
// file doesn't exist on the server.
type StatFileReply struct {
	Path    string
	ModTime time.Time
}

// SendFile uploads the full contents of a file.
type SendFile struct {
	Path       string
	ModTime    time.Time
	Data       []byte
	Executable bool
}

// SendFileResult reports whether a SendFile was applied.
type SendFileResult struct {
	Path    string
	ModTime time.Time
	Success bool
}

// DeleteFile removes a file on the server.
type DeleteFile struct {
	Path string
}

func (VersionMessage) Command() Command  { return CmdVersion }
func (TargetDirectory) Command() Command { return CmdTargetDirectory }
func (StatFileRequest) Command() Command { return CmdStatFileRequest }
func (StatFileReply) Command() Command   { return CmdStatFileReply }
func (SendFile) Command() Command        { return CmdSendFile }
func (SendFileResult) Command() Command  { return CmdSendFileResult }
func (DeleteFile) Command() Command      { return CmdDeleteFile }

func (m VersionMessage) encode(e *encoder) {
	e.putInt32(m.Version)
}

func (m TargetDirectory) encode(e *encoder) {
	e.putString(m.Path)
}

func (m StatFileRequest) encode(e *encoder) {
	e.putString(m.Path)
}

func (m StatFileReply) encode(e *encoder) {
	e.putString(m.Path)
	e.putTime(m.ModTime)
}

func (m SendFile) encode(e *encoder) {
	e.putString(m.Path)
	e.putTime(m.ModTime)
	e.putBytes(m.Data)
	e.putBool(m.Executable)
}

func (m SendFileResult) encode(e *encoder) {
	e.putString(m.Path)
	e.putTime(m.ModTime)
	e.putBool(m.Success)
}

func (m DeleteFile) encode(e *encoder) {
	e.putString(m.Path)
}

// Encode returns the payload of `msg`.
func Encode(msg Message) []byte {
	var e encoder
	msg.encode(&e)
	return e.buf.Bytes()
}

// Decode parses the payload of a frame with the given command id.
func Decode(cmd Command, payload []byte) (Message, error) {
	d := decoder{buf: payload}

	var msg Message
	switch cmd {
	case CmdVersion:
		msg = VersionMessage{Version: d.int32()}
	case CmdTargetDirectory:
		msg = TargetDirectory{Path: d.string()}
	case CmdStatFileRequest:
		msg = StatFileRequest{Path: d.string()}
	case CmdStatFileReply:
		msg = StatFileReply{Path: d.string(), ModTime: d.time()}
	case CmdSendFile:
		msg = SendFile{
			Path:       d.string(),
			ModTime:    d.time(),
			Data:       d.bytes(),
			Executable: d.bool(),
		}
	case CmdSendFileResult:
		msg = SendFileResult{Path: d.string(), ModTime: d.time(), Success: d.bool()}
	case CmdDeleteFile:
		msg = DeleteFile{Path: d.string()}
	default:
		return nil, errors.ProtocolUnknownCommand{ID: int32(cmd)}
	}

	if d.err != nil {
		return nil, errors.WithContext(d.err, "decode "+cmd.String())
	}
	return msg, nil
}
