package measure

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/saveenergy/netpulse/pkg/errors"
)

func newTestSampler(opts ...SamplerOption) *Sampler {
	var n atomic.Int64
	base := []SamplerOption{
		WithTokenFunc(func() string { return strconv.FormatInt(n.Add(1), 10) }),
	}
	return NewSampler(append(base, opts...)...)
}

func offline() errors.Connectivity {
	return errors.ConnectivityFunc(func() bool { return false })
}

func downloadHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "bad bytes", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		buf := make([]byte, n)
		_, _ = w.Write(buf)
	}
}

func TestMeasureLatencySuccess(t *testing.T) {
	var mu sync.Mutex
	tokens := map[string]bool{}
	var badHeaders atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens[r.URL.Query().Get("_")] = true
		mu.Unlock()
		if r.Header.Get("Cache-Control") == "" || r.Header.Get("Pragma") != "no-cache" {
			badHeaders.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var samples []int
	stats, err := newTestSampler().MeasureLatency(context.Background(), LatencyOptions{
		URL:   srv.URL,
		Count: 4,
		OnSample: func(index, total int, ms float64) {
			if total != 4 {
				t.Errorf("total = %d", total)
			}
			samples = append(samples, index)
		},
	})
	if err != nil {
		t.Fatalf("MeasureLatency: %v", err)
	}
	if stats.Samples != 4 {
		t.Fatalf("samples = %d want 4", stats.Samples)
	}
	if stats.MinMs > stats.AvgMs || stats.AvgMs > stats.MaxMs {
		t.Fatalf("inconsistent stats %+v", stats)
	}
	if fmt.Sprint(samples) != "[1 2 3 4]" {
		t.Fatalf("OnSample indexes = %v", samples)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 distinct cache-bust tokens, got %d", len(tokens))
	}
	if badHeaders.Load() != 0 {
		t.Fatal("no-cache headers missing")
	}
}

func TestMeasureLatencyPreAborted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestSampler().MeasureLatency(ctx, LatencyOptions{URL: srv.URL, Count: 3})
	if !errors.IsKind(err, errors.KindAborted) {
		t.Fatalf("expected ABORTED, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("no request should be issued, got %d", hits.Load())
	}
}

func TestMeasureLatencyAllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// Offline is not consulted for latency; all-failed stays NETWORK_ERROR.
	_, err := newTestSampler(WithConnectivity(offline())).MeasureLatency(context.Background(), LatencyOptions{URL: srv.URL, Count: 3})
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindNetwork {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
	if me.Phase != errors.PhasePing {
		t.Fatalf("phase = %q", me.Phase)
	}
	cause, ok := me.Cause.(*errors.MeasurementError)
	if !ok || cause.Kind != errors.KindServerUnavailable {
		t.Fatalf("expected SERVER_UNAVAILABLE cause, got %v", me.Cause)
	}
}

func TestMeasureLatencySkipsFailedProbes(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1)%2 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stats, err := newTestSampler().MeasureLatency(context.Background(), LatencyOptions{URL: srv.URL, Count: 4})
	if err != nil {
		t.Fatalf("MeasureLatency: %v", err)
	}
	if stats.Samples != 2 {
		t.Fatalf("samples = %d want 2", stats.Samples)
	}
}

func TestMeasureDownloadStages(t *testing.T) {
	srv := httptest.NewServer(downloadHandler(t))
	defer srv.Close()

	var seen []int64
	res, err := newTestSampler().MeasureDownload(context.Background(), DownloadOptions{
		URL:    srv.URL,
		Stages: []int64{4 * KiB, 16 * KiB, 64 * KiB},
		OnStage: func(index, total int, mbps float64, bytes int64) {
			if total != 3 || index != len(seen)+1 {
				t.Errorf("unexpected stage %d/%d", index, total)
			}
			seen = append(seen, bytes)
		},
	})
	if err != nil {
		t.Fatalf("MeasureDownload: %v", err)
	}
	if len(res.Stages) != 3 {
		t.Fatalf("stages = %d", len(res.Stages))
	}
	if fmt.Sprint(seen) != fmt.Sprint([]int64{4 * KiB, 16 * KiB, 64 * KiB}) {
		t.Fatalf("OnStage bytes = %v", seen)
	}
	if res.Mbps != WeightedRate(res.Stages) {
		t.Fatalf("Mbps %v is not the weighted rate", res.Mbps)
	}
}

func TestMeasureDownloadSkipsFailedStage(t *testing.T) {
	ok := downloadHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bytes") == strconv.Itoa(2*KiB) {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	res, err := newTestSampler().MeasureDownload(context.Background(), DownloadOptions{
		URL:    srv.URL,
		Stages: []int64{1 * KiB, 2 * KiB, 4 * KiB},
	})
	if err != nil {
		t.Fatalf("MeasureDownload: %v", err)
	}
	if len(res.Stages) != 2 || res.Stages[0].Bytes != KiB || res.Stages[1].Bytes != 4*KiB {
		t.Fatalf("unexpected stages %+v", res.Stages)
	}
}

func TestMeasureDownloadEmptyBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestSampler().MeasureDownload(context.Background(), DownloadOptions{URL: srv.URL, Stages: []int64{KiB}})
	if !errors.IsKind(err, errors.KindNetwork) {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
}

func TestTransferExhaustedKinds(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tests := []struct {
		name string
		opts []SamplerOption
		want errors.Kind
	}{
		{"online", nil, errors.KindNetwork},
		{"offline", []SamplerOption{WithConnectivity(offline())}, errors.KindOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSampler(tt.opts...)
			_, err := s.MeasureDownload(context.Background(), DownloadOptions{URL: url, Stages: []int64{KiB, 2 * KiB}})
			if errors.KindOf(err) != tt.want {
				t.Fatalf("download kind = %q want %q (%v)", errors.KindOf(err), tt.want, err)
			}
			_, err = s.MeasureUpload(context.Background(), UploadOptions{URL: url, Stages: []int64{KiB}})
			if errors.KindOf(err) != tt.want {
				t.Fatalf("upload kind = %q want %q (%v)", errors.KindOf(err), tt.want, err)
			}
		})
	}
}

func TestTransferAllServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSampler()
	_, err := s.MeasureDownload(context.Background(), DownloadOptions{URL: srv.URL, Stages: []int64{KiB, 2 * KiB}})
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindServerUnavailable || me.Phase != errors.PhaseDownload {
		t.Fatalf("download: expected SERVER_UNAVAILABLE [download], got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("every stage should be attempted, hits = %d", hits.Load())
	}

	_, err = s.MeasureUpload(context.Background(), UploadOptions{URL: srv.URL, Stages: []int64{KiB}})
	if errors.KindOf(err) != errors.KindNetwork {
		t.Fatalf("upload: expected NETWORK_ERROR, got %v", err)
	}

	_, err = newTestSampler(WithConnectivity(offline())).MeasureDownload(context.Background(), DownloadOptions{URL: srv.URL, Stages: []int64{KiB}})
	if errors.KindOf(err) != errors.KindOffline {
		t.Fatalf("offline download: expected OFFLINE, got %v", err)
	}
}

func TestTransferPreAborted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	random := &chunkRecorder{}
	s := newTestSampler(WithRandom(random))
	_, err := s.MeasureDownload(ctx, DownloadOptions{URL: srv.URL, Stages: []int64{KiB, 2 * KiB}})
	if me, ok := errors.As(err); !ok || me.Kind != errors.KindAborted || me.Phase != errors.PhaseDownload {
		t.Fatalf("download: expected ABORTED [download], got %v", err)
	}
	_, err = s.MeasureUpload(ctx, UploadOptions{URL: srv.URL, Stages: []int64{KiB, 2 * KiB}})
	if me, ok := errors.As(err); !ok || me.Kind != errors.KindAborted || me.Phase != errors.PhaseUpload {
		t.Fatalf("upload: expected ABORTED [upload], got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("no request should be issued, got %d", hits.Load())
	}
	if random.reads != 0 {
		t.Fatalf("no payload should be generated, got %d reads", random.reads)
	}
}

func TestMeasureUploadStages(t *testing.T) {
	var mu sync.Mutex
	var received []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/octet-stream" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, r.Body)
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		fmt.Fprintf(w, `{"bytes":%d}`, n)
	}))
	defer srv.Close()

	var stages int
	res, err := newTestSampler().MeasureUpload(context.Background(), UploadOptions{
		URL:     srv.URL,
		Stages:  []int64{8 * KiB, 32 * KiB},
		OnStage: func(index, total int, mbps float64, bytes int64) { stages++ },
	})
	if err != nil {
		t.Fatalf("MeasureUpload: %v", err)
	}
	if stages != 2 || len(res.Stages) != 2 {
		t.Fatalf("stages: callbacks=%d results=%d", stages, len(res.Stages))
	}
	if fmt.Sprint(received) != fmt.Sprint([]int64{8 * KiB, 32 * KiB}) {
		t.Fatalf("server received %v", received)
	}
}

func TestMeasureUploadCallerCancelIsAborted(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err := newTestSampler().MeasureUpload(ctx, UploadOptions{
		URL:     srv.URL,
		Timeout: 10 * time.Second,
		Stages:  []int64{KiB, KiB},
	})
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindAborted {
		t.Fatalf("expected ABORTED, got %v", err)
	}
	if me.Phase != errors.PhaseUpload {
		t.Fatalf("phase = %q", me.Phase)
	}
}

func TestMeasureUploadInternalTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestSampler().MeasureUpload(context.Background(), UploadOptions{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
		Stages:  []int64{KiB},
	})
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindNetwork {
		t.Fatalf("expected NETWORK_ERROR, got %v", err)
	}
	cause, ok := me.Cause.(*errors.MeasurementError)
	if !ok || cause.Kind != errors.KindTimeout {
		t.Fatalf("expected TIMEOUT cause, got %v", me.Cause)
	}
}

type chunkRecorder struct {
	maxRead int
	reads   int
}

func (c *chunkRecorder) Read(p []byte) (int, error) {
	c.reads++
	if len(p) > c.maxRead {
		c.maxRead = len(p)
	}
	for i := range p {
		p[i] = byte(i)
	}
	return len(p), nil
}

func TestRandomPayloadChunks(t *testing.T) {
	r := &chunkRecorder{}
	buf, err := RandomPayload(r, 200*KiB)
	if err != nil {
		t.Fatalf("RandomPayload: %v", err)
	}
	if len(buf) != 200*KiB {
		t.Fatalf("len = %d", len(buf))
	}
	if r.maxRead > maxRandomChunk {
		t.Fatalf("read of %d bytes exceeds chunk limit", r.maxRead)
	}
	if r.reads != 4 {
		t.Fatalf("reads = %d want 4", r.reads)
	}

	if _, err := RandomPayload(iotest.ErrReader(stderrors.New("no entropy")), KiB); err == nil {
		t.Fatal("expected error from failing source")
	}
	if _, err := RandomPayload(r, -1); err == nil {
		t.Fatal("expected error for negative size")
	}
}
