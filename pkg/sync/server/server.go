package server

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/protocol"
)

// Variables mocked for unit testing.
var (
	fs       = afero.NewOsFs()
	copyFile = writeFileImpl
)

// Run listens on `addr` and serves clients until `ctx` is cancelled. Files
// are written relative to `defaultDir` until a client picks another target
// directory.
func Run(ctx context.Context, addr, defaultDir string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	log.WithFields(log.Fields{
		"address":   lis.Addr().String(),
		"directory": defaultDir,
	}).Info("quicksync server is ready")
	return Serve(ctx, lis, defaultDir)
}

// Serve accepts connections on `lis` until `ctx` is cancelled.
func Serve(ctx context.Context, lis net.Listener, defaultDir string) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.WithContext(err, "accept")
			}
		}

		s := newSession(conn, defaultDir)
		go func() {
			defer util.HandlePanic()
			s.run()
		}()
	}
}

type session struct {
	conn       *protocol.Conn
	defaultDir string
	targetDir  string
	log        *log.Entry
}

func newSession(conn net.Conn, defaultDir string) *session {
	return &session{
		conn:       protocol.NewConn(conn),
		defaultDir: defaultDir,
		targetDir:  defaultDir,
		log: log.WithFields(log.Fields{
			"session": uuid.New().String(),
			"client":  conn.RemoteAddr().String(),
		}),
	}
}

func (s *session) run() {
	defer s.conn.Close()
	s.log.Info("Client connected")

	if err := s.conn.SendVersion(); err != nil {
		s.log.WithError(err).Warn("Failed to send version")
		return
	}

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			switch {
			case err == io.EOF:
				s.log.Info("Client disconnected")
			case errors.IsFatalProtocolError(err):
				s.log.WithError(err).Error("Client is incompatible")
			default:
				s.log.WithError(err).Warn("Connection failed")
			}
			return
		}

		reply := s.handle(msg)
		if reply == nil {
			continue
		}

		if err := s.conn.Send(reply); err != nil {
			s.log.WithError(err).Warn("Failed to send reply")
			return
		}
	}
}

// handle applies `msg`, and returns the reply to send, if any.
func (s *session) handle(msg protocol.Message) protocol.Message {
	switch msg := msg.(type) {
	case protocol.VersionMessage:
		// Already validated by the connection.
		return nil

	case protocol.TargetDirectory:
		s.targetDir = msg.Path
		if s.targetDir == "" {
			s.targetDir = s.defaultDir
		}
		s.log.WithField("directory", s.targetDir).Info("Changed target directory")
		return nil

	case protocol.StatFileRequest:
		return protocol.StatFileReply{Path: msg.Path, ModTime: s.statFile(msg.Path)}

	case protocol.SendFile:
		err := s.writeFile(msg)
		if err != nil {
			s.log.WithError(err).WithField("path", msg.Path).Warn("Failed to write file")
		} else {
			s.log.WithField("path", msg.Path).Debug("Wrote file")
		}
		return protocol.SendFileResult{Path: msg.Path, ModTime: msg.ModTime, Success: err == nil}

	case protocol.DeleteFile:
		if err := s.deleteFile(msg.Path); err != nil {
			s.log.WithError(err).WithField("path", msg.Path).Warn("Failed to delete file")
		} else {
			s.log.WithField("path", msg.Path).Debug("Deleted file")
		}
		return nil

	default:
		s.log.WithField("command", msg.Command()).Warn("Ignoring unexpected message")
		return nil
	}
}

// resolve returns where `path` lives within the target directory. Paths
// that would escape it are refused.
func (s *session) resolve(path string) (string, error) {
	dst := filepath.Join(s.targetDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.targetDir, dst)
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("%q is outside of the target directory", path)
	}
	return dst, nil
}

// statFile returns the modification time of `path`, or the zero time if it
// isn't a regular file.
func (s *session) statFile(path string) time.Time {
	dst, err := s.resolve(path)
	if err != nil {
		return time.Time{}
	}

	fi, err := fs.Stat(dst)
	if err != nil || !fi.Mode().IsRegular() {
		return time.Time{}
	}
	return fi.ModTime()
}

func (s *session) writeFile(msg protocol.SendFile) error {
	dst, err := s.resolve(msg.Path)
	if err != nil {
		return err
	}
	return copyFile(dst, msg.Data, msg.ModTime, msg.Executable)
}

func (s *session) deleteFile(path string) error {
	dst, err := s.resolve(path)
	if err != nil {
		return err
	}

	// The file might never have been synced.
	if err := fs.Remove(dst); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}
	return nil
}

func writeFileImpl(dst string, data []byte, modTime time.Time, executable bool) error {
	dstParent := filepath.Dir(dst)
	dstParentExists, err := afero.DirExists(fs, dstParent)
	if err != nil {
		return errors.WithContext(err, "check if parent exists")
	}

	if !dstParentExists {
		if err := fs.MkdirAll(dstParent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
	}

	// Keep the permissions of the file being replaced.
	mode := os.FileMode(0644)
	if fi, err := fs.Stat(dst); err == nil {
		mode = fi.Mode().Perm()
	}
	if executable {
		mode |= 0111
	}

	if err := afero.WriteFile(fs, dst, data, mode); err != nil {
		return errors.WithContext(err, "write")
	}

	if err := fs.Chmod(dst, mode); err != nil {
		return errors.WithContext(err, "set file mode")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := fs.Chtimes(dst, time.Now(), modTime); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}
