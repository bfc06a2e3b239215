package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultRemoteWriteInterval = 15 * time.Second
	remoteWriteTimeout         = 5 * time.Second
)

// RemoteWriteConfig enables pushing the process registry to a Prometheus
// remote_write endpoint. Workers behind NAT have no scrape target, so this
// is how their counters leave the box.
type RemoteWriteConfig struct {
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// RemoteWriter periodically gathers counters and gauges and posts them as a
// snappy-compressed prompb.WriteRequest.
type RemoteWriter struct {
	endpoint   string
	authToken  string
	interval   time.Duration
	gatherer   prometheus.Gatherer
	log        *zap.Logger
	httpClient *http.Client
	now        func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	errorOnce atomic.Bool
}

// NewRemoteWriter returns nil when no endpoint is configured.
func NewRemoteWriter(cfg RemoteWriteConfig, gatherer prometheus.Gatherer, log *zap.Logger) (*RemoteWriter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, nil
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid remote write endpoint: %w", err)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRemoteWriteInterval
	}
	return &RemoteWriter{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(cfg.AuthToken),
		interval:   interval,
		gatherer:   gatherer,
		log:        log.Named("metrics.remote_write"),
		httpClient: &http.Client{Timeout: remoteWriteTimeout},
		now:        time.Now,
	}, nil
}

// RegisterRemoteWrite hooks the writer into the app lifecycle when enabled.
func RegisterRemoteWrite(lc fx.Lifecycle, cfg RemoteWriteConfig, log *zap.Logger) error {
	w, err := NewRemoteWriter(cfg, prometheus.DefaultGatherer, log)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			w.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
	return nil
}

func (w *RemoteWriter) Start() {
	if w == nil || w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.pushOnce()
			case <-w.stopCh:
				// Flush what the process counted before it exits.
				w.pushOnce()
				return
			}
		}
	}()
}

func (w *RemoteWriter) Stop(ctx context.Context) error {
	if w == nil || w.stopCh == nil {
		return nil
	}
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *RemoteWriter) pushOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
	defer cancel()
	if err := w.Push(ctx); err != nil {
		// One warning per failure streak; a dead collector must not flood logs.
		if w.errorOnce.CompareAndSwap(false, true) {
			w.log.Warn("metrics.remote_write.failed", zap.Error(err))
		}
		return
	}
	if w.errorOnce.CompareAndSwap(true, false) {
		w.log.Info("metrics.remote_write.recovered")
	}
}

// Push gathers once and sends the result.
func (w *RemoteWriter) Push(ctx context.Context) error {
	families, err := w.gatherer.Gather()
	if err != nil {
		return err
	}
	series := buildRemoteWriteSeries(families, w.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	req := &prompb.WriteRequest{Timeseries: series}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if w.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// buildRemoteWriteSeries keeps counters and gauges only. Histograms would
// need bucket expansion and nothing downstream reads them.
func buildRemoteWriteSeries(families []*dto.MetricFamily, timestampMs int64) []prompb.TimeSeries {
	series := make([]prompb.TimeSeries, 0, len(families))
	for _, family := range families {
		for _, m := range family.GetMetric() {
			var value float64
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				if m.GetCounter() == nil {
					continue
				}
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				if m.GetGauge() == nil {
					continue
				}
				value = m.GetGauge().GetValue()
			default:
				continue
			}

			labels := make([]prompb.Label, 0, len(m.GetLabel())+1)
			labels = append(labels, prompb.Label{Name: "__name__", Value: family.GetName()})
			for _, lp := range m.GetLabel() {
				labels = append(labels, prompb.Label{Name: lp.GetName(), Value: lp.GetValue()})
			}
			sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

			series = append(series, prompb.TimeSeries{
				Labels:  labels,
				Samples: []prompb.Sample{{Value: value, Timestamp: timestampMs}},
			})
		}
	}
	return series
}
