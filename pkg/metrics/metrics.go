// Package metrics exports the sync client's progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/sync"
)

var states = []sync.State{sync.Unconnected, sync.Idle, sync.NodeWatching, sync.Syncing}

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quicksync_state",
			Help: "Whether the client is in the given state",
		},
		[]string{"state"},
	)

	countersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quicksync_progress",
			Help: "Progress of the current sync, reset when the client goes idle",
		},
		[]string{"counter"},
	)

	fileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicksync_file_actions_total",
			Help: "Total uploads and deletions sent to the server",
		},
		[]string{"action"},
	)

	fileResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicksync_file_results_total",
			Help: "Total uploads acknowledged by the server",
		},
		[]string{"result"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicksync_errors_total",
			Help: "Total errors reported by the client",
		},
		[]string{"severity"},
	)
)

// Listener records the notifications of a sync.Orchestrator.
type Listener struct{}

// StateChanged sets the gauge of `state` and clears the others.
func (Listener) StateChanged(state sync.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		stateGauge.WithLabelValues(s.String()).Set(v)
	}
}

func (Listener) CountersChanged(c sync.Counters) {
	for name, v := range map[string]int{
		"dirs_finished":      c.DirsFinished,
		"dirs_known":         c.DirsKnown,
		"dirs_ignored":       c.DirsIgnored,
		"files_known":        c.FilesKnown,
		"files_ignored":      c.FilesIgnored,
		"files_resolved":     c.FilesResolved,
		"files_pending_stat": c.FilesPendingStat,
		"files_copied":       c.FilesCopied,
		"files_pending_copy": c.FilesPendingCopy,
		"file_errors":        c.FileErrors,
		"files_deleted":      c.FilesDeleted,
	} {
		countersGauge.WithLabelValues(name).Set(float64(v))
	}
}

func (Listener) FileAction(_ string, _ time.Time, deleted bool) {
	action := "upload"
	if deleted {
		action = "delete"
	}
	fileActionsTotal.WithLabelValues(action).Inc()
}

func (Listener) FileStatus(_ string, _ time.Time, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	fileResultsTotal.WithLabelValues(result).Inc()
}

func (Listener) Error(error) {
	errorsTotal.WithLabelValues("error").Inc()
}

func (Listener) Fatal(error) {
	errorsTotal.WithLabelValues("fatal").Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics on `addr` until `ctx` is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Debug("Failed to shut down metrics server")
		}
	}()

	log.WithField("address", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithContext(err, "serve metrics")
	}
	return nil
}
