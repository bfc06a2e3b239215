package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRemoteWriterPushesCountersAndGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "chat_jobs_total"}, []string{"status"})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{Name: "chat_jobs_pending"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "chat_job_seconds"})
	registry.MustRegister(jobs, pending, latency)
	jobs.WithLabelValues("completed").Add(3)
	pending.Set(7)
	latency.Observe(0.2)

	var (
		got     prompb.WriteRequest
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, got.Unmarshal(decoded))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewRemoteWriter(RemoteWriteConfig{Endpoint: srv.URL, AuthToken: "secret"}, registry, zap.NewNop())
	require.NoError(t, err)
	w.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	require.NoError(t, w.Push(context.Background()))

	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	require.Len(t, got.Timeseries, 2)

	byName := map[string]prompb.TimeSeries{}
	for _, ts := range got.Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "__name__" {
				byName[l.Value] = ts
			}
		}
	}
	require.Contains(t, byName, "chat_jobs_total")
	require.Contains(t, byName, "chat_jobs_pending")
	assert.Equal(t, 3.0, byName["chat_jobs_total"].Samples[0].Value)
	assert.Equal(t, int64(1_700_000_000_000), byName["chat_jobs_total"].Samples[0].Timestamp)
	labels := map[string]string{}
	for _, l := range byName["chat_jobs_total"].Labels {
		labels[l.Name] = l.Value
	}
	assert.Equal(t, map[string]string{"__name__": "chat_jobs_total", "status": "completed"}, labels)
	assert.Equal(t, 7.0, byName["chat_jobs_pending"].Samples[0].Value)
}

func TestRemoteWriterReportsNon2xx(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total"})
	registry.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewRemoteWriter(RemoteWriteConfig{Endpoint: srv.URL}, registry, nil)
	require.NoError(t, err)
	err = w.Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewRemoteWriterDisabledAndInvalid(t *testing.T) {
	w, err := NewRemoteWriter(RemoteWriteConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = NewRemoteWriter(RemoteWriteConfig{Endpoint: "not a url"}, nil, nil)
	require.Error(t, err)
}

func TestRemoteWriterStopFlushes(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "flush_total"})
	registry.MustRegister(c)
	c.Inc()

	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w, err := NewRemoteWriter(RemoteWriteConfig{Endpoint: srv.URL, Interval: time.Hour}, registry, nil)
	require.NoError(t, err)
	w.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Len(t, hits, 1)
}
