package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/sync"
)

// Compile-time check that the listener can be handed to an Orchestrator.
var _ sync.StatusListener = Listener{}

func TestStateChanged(t *testing.T) {
	var l Listener

	l.StateChanged(sync.Syncing)
	assert.Equal(t, 1.0, testutil.ToFloat64(stateGauge.WithLabelValues("Syncing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stateGauge.WithLabelValues("Idle")))

	l.StateChanged(sync.NodeWatching)
	assert.Equal(t, 0.0, testutil.ToFloat64(stateGauge.WithLabelValues("Syncing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stateGauge.WithLabelValues("Watching")))
	assert.Equal(t, 4, testutil.CollectAndCount(stateGauge))
}

func TestCountersChanged(t *testing.T) {
	var l Listener

	l.CountersChanged(sync.Counters{FilesKnown: 12, FilesPendingCopy: 3})
	assert.Equal(t, 12.0, testutil.ToFloat64(countersGauge.WithLabelValues("files_known")))
	assert.Equal(t, 3.0, testutil.ToFloat64(countersGauge.WithLabelValues("files_pending_copy")))
	assert.Equal(t, 0.0, testutil.ToFloat64(countersGauge.WithLabelValues("file_errors")))

	l.CountersChanged(sync.Counters{})
	assert.Equal(t, 0.0, testutil.ToFloat64(countersGauge.WithLabelValues("files_known")))
}

func TestFileEvents(t *testing.T) {
	var l Listener
	uploads := testutil.ToFloat64(fileActionsTotal.WithLabelValues("upload"))
	deletes := testutil.ToFloat64(fileActionsTotal.WithLabelValues("delete"))
	failures := testutil.ToFloat64(fileResultsTotal.WithLabelValues("failure"))
	fatals := testutil.ToFloat64(errorsTotal.WithLabelValues("fatal"))

	l.FileAction("a.c", time.Now(), false)
	l.FileAction("a.c", time.Now(), false)
	l.FileAction("b.c", time.Now(), true)
	l.FileStatus("a.c", time.Now(), false)
	l.Fatal(errors.New("version mismatch"))

	assert.Equal(t, uploads+2, testutil.ToFloat64(fileActionsTotal.WithLabelValues("upload")))
	assert.Equal(t, deletes+1, testutil.ToFloat64(fileActionsTotal.WithLabelValues("delete")))
	assert.Equal(t, failures+1, testutil.ToFloat64(fileResultsTotal.WithLabelValues("failure")))
	assert.Equal(t, fatals+1, testutil.ToFloat64(errorsTotal.WithLabelValues("fatal")))
}

func TestServe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, addr)
	}()

	Listener{}.StateChanged(sync.Idle)

	var body string
	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, strings.Contains(body, `quicksync_state{state="Idle"} 1`))

	cancel()
	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server didn't stop")
	}
}
