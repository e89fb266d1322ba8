package sync

import (
	"bytes"

	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/protocol"
)

// readFile reads the contents to upload for `op`. Line endings are
// normalized to LF unless the file is binary.
func (o *Orchestrator) readFile(op *pendingOp) ([]byte, error) {
	data, err := afero.ReadFile(fs, o.absPath(op.path))
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	if !op.binary {
		data = stripCR(data)
	}

	// Leave room for the path and the rest of the SendFile fields.
	if len(data) > protocol.MaxPayloadSize-len(op.path)-64 {
		return nil, errors.New("%d bytes is too large to send", len(data))
	}
	return data, nil
}

func stripCR(data []byte) []byte {
	if bytes.IndexByte(data, '\r') < 0 {
		return data
	}
	return bytes.ReplaceAll(data, []byte{'\r'}, nil)
}

// trackInFlight records that `size` bytes were sent for `path` and haven't
// been acknowledged yet.
func (o *Orchestrator) trackInFlight(path string, size int64) {
	o.inFlight[path] = append(o.inFlight[path], size)
	o.inFlightBytes += size
}

// releaseInFlight releases the oldest unacknowledged upload of `path`.
func (o *Orchestrator) releaseInFlight(path string) {
	sizes := o.inFlight[path]
	if len(sizes) == 0 {
		return
	}

	o.inFlightBytes -= sizes[0]
	if len(sizes) == 1 {
		delete(o.inFlight, path)
	} else {
		o.inFlight[path] = sizes[1:]
	}
}
