package server

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/protocol"
	"github.com/sidkik/quicksync/pkg/sync/client"
)

var modTime = time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(dir string) *session {
	return &session{
		defaultDir: dir,
		targetDir:  dir,
		log:        logrus.NewEntry(logrus.New()),
	}
}

func TestHandleSendFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	s := newTestSession("/dst")

	reply := s.handle(protocol.SendFile{
		Path:    "lib/a.c",
		ModTime: modTime,
		Data:    []byte("int x;\n"),
	})
	assert.Equal(t, protocol.SendFileResult{Path: "lib/a.c", ModTime: modTime, Success: true}, reply)

	contents, err := afero.ReadFile(fs, "/dst/lib/a.c")
	require.NoError(t, err)
	assert.Equal(t, "int x;\n", string(contents))

	fi, err := fs.Stat("/dst/lib/a.c")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
	assert.True(t, modTime.Equal(fi.ModTime()))

	assert.Equal(t, protocol.StatFileReply{Path: "lib/a.c", ModTime: fi.ModTime()},
		s.handle(protocol.StatFileRequest{Path: "lib/a.c"}))
}

func TestHandleSendFileExecutable(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dst/run.sh", []byte("old"), 0600))
	s := newTestSession("/dst")

	reply := s.handle(protocol.SendFile{
		Path:       "run.sh",
		ModTime:    modTime,
		Data:       []byte("new"),
		Executable: true,
	})
	assert.Equal(t, true, reply.(protocol.SendFileResult).Success)

	fi, err := fs.Stat("/dst/run.sh")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0711), fi.Mode().Perm())
}

func TestHandleSendFileFailure(t *testing.T) {
	fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := newTestSession("/dst")

	reply := s.handle(protocol.SendFile{Path: "a.c", ModTime: modTime})
	assert.Equal(t, protocol.SendFileResult{Path: "a.c", ModTime: modTime, Success: false}, reply)
}

func TestHandleStatFileMissing(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dst/lib", 0755))
	s := newTestSession("/dst")

	reply := s.handle(protocol.StatFileRequest{Path: "missing.c"}).(protocol.StatFileReply)
	assert.True(t, reply.ModTime.IsZero())

	reply = s.handle(protocol.StatFileRequest{Path: "lib"}).(protocol.StatFileReply)
	assert.True(t, reply.ModTime.IsZero())
}

func TestHandleDeleteFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dst/a.c", nil, 0644))
	s := newTestSession("/dst")

	assert.Nil(t, s.handle(protocol.DeleteFile{Path: "a.c"}))
	exists, err := afero.Exists(fs, "/dst/a.c")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a file that doesn't exist is fine.
	assert.Nil(t, s.handle(protocol.DeleteFile{Path: "a.c"}))
}

func TestHandleTargetDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	s := newTestSession("/default")

	s.handle(protocol.TargetDirectory{Path: "/other"})
	assert.Equal(t, "/other", s.targetDir)

	s.handle(protocol.SendFile{Path: "a.c", ModTime: modTime})
	exists, err := afero.Exists(fs, "/other/a.c")
	require.NoError(t, err)
	assert.True(t, exists)

	s.handle(protocol.TargetDirectory{Path: ""})
	assert.Equal(t, "/default", s.targetDir)
}

func TestResolve(t *testing.T) {
	s := newTestSession("/dst")

	tests := []struct {
		path   string
		expDst string
		expErr bool
	}{
		{path: "a.c", expDst: "/dst/a.c"},
		{path: "lib/a.c", expDst: "/dst/lib/a.c"},
		{path: "lib/../a.c", expDst: "/dst/a.c"},
		{path: "../a.c", expErr: true},
		{path: "lib/../../etc/passwd", expErr: true},
		{path: "", expErr: true},
		{path: "..", expErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.path, func(t *testing.T) {
			dst, err := s.resolve(test.path)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expDst, dst)
		})
	}
}

func TestHandleEscapingPath(t *testing.T) {
	fs = afero.NewMemMapFs()
	s := newTestSession("/dst")

	reply := s.handle(protocol.SendFile{Path: "../a.c", ModTime: modTime})
	assert.False(t, reply.(protocol.SendFileResult).Success)

	exists, err := afero.Exists(fs, "/a.c")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestServe(t *testing.T) {
	fs = afero.NewMemMapFs()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, lis, "/dst")
	}()

	c, err := client.Dial(ctx, lis.Addr().String(), logrus.New())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendFile(protocol.SendFile{
		Path:    "a.c",
		ModTime: modTime,
		Data:    []byte("a"),
	}))
	require.NoError(t, c.StatFile("a.c"))

	var msgs []protocol.Message
	for len(msgs) < 2 {
		select {
		case msg, ok := <-c.Messages():
			require.True(t, ok, "connection closed: %v", c.Err())
			msgs = append(msgs, msg)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}

	result := msgs[0].(protocol.SendFileResult)
	assert.Equal(t, "a.c", result.Path)
	assert.True(t, result.Success)
	assert.True(t, modTime.Equal(result.ModTime))

	reply := msgs[1].(protocol.StatFileReply)
	assert.Equal(t, "a.c", reply.Path)
	assert.True(t, modTime.Equal(reply.ModTime))

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop")
	}
}
