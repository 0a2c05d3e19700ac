package voicenote

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds voice note statistics.
type Stats struct {
	reg *prometheus.Registry

	notesSent      prometheus.Counter
	notesByStatus  *prometheus.CounterVec
	uploadFailures prometheus.Counter
	cancelled      prometheus.Counter
	processDelay   prometheus.Histogram
	encodedBytes   prometheus.Counter
}

// NewStats creates a new stats tracker with its own registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Stats{
		reg: reg,

		notesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voicenote_notes_sent",
			Help: "Total voice notes uploaded",
		}),
		notesByStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicenote_notes_processed",
			Help: "Voice notes by quality processing status",
		}, []string{"status"}),
		uploadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voicenote_upload_failures",
			Help: "Total failed uploads",
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "voicenote_captures_cancelled",
			Help: "Total captures cancelled before upload",
		}),
		processDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicenote_process_milliseconds",
			Help:    "Histogram of quality processing time",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1_000, 2_500, 5_000},
		}),
		encodedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicenote_uploaded_bytes",
			Help: "Total bytes of uploaded voice notes",
		}),
	}
}

// Registry returns the prometheus registry of the stats.
func (s *Stats) Registry() *prometheus.Registry {
	return s.reg
}

// Handler returns the http handler that exposes the metrics.
func (s *Stats) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		s.reg, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}),
	)
}

// RunListener exposes the metrics on addr until ctx is done.
func (s *Stats) RunListener(ctx context.Context, addr string, log slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
