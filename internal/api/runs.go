package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/internal/websocket"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
)

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

const runRetention = 10 * time.Minute

// RunStatus is the polled view of a server-side run.
type RunStatus struct {
	ID        string                  `json:"id"`
	Status    string                  `json:"status"`
	Phase     errors.Phase            `json:"phase,omitempty"`
	Report    *client.Report          `json:"report,omitempty"`
	ResultID  string                  `json:"result_id,omitempty"`
	Error     *websocket.ErrorPayload `json:"error,omitempty"`
	StartedAt time.Time               `json:"started_at"`
	EndedAt   *time.Time              `json:"ended_at,omitempty"`
}

// RunManager executes measurements from the server toward a target netpulse
// server and streams their progress through the websocket hub.
type RunManager struct {
	target  string
	hub     *websocket.Server
	store   *results.Store
	opts    []client.Option
	sem     chan struct{}
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	runs    map[string]*RunStatus
	cancels map[string]context.CancelFunc
}

// NewRunManager limits concurrent runs to maxConcurrent. store may be nil,
// in which case results are not persisted.
func NewRunManager(target string, maxConcurrent int, hub *websocket.Server, store *results.Store, opts ...client.Option) *RunManager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		target:  target,
		hub:     hub,
		store:   store,
		opts:    opts,
		sem:     make(chan struct{}, maxConcurrent),
		logger:  logging.NewLogger("runs"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*RunStatus),
		cancels: make(map[string]context.CancelFunc),
	}
}

var errTooManyRuns = stderrors.New("too many concurrent runs")

// Start launches a run and returns its ID without waiting for it.
func (m *RunManager) Start() (string, error) {
	select {
	case m.sem <- struct{}{}:
	default:
		return "", errTooManyRuns
	}
	if m.ctx.Err() != nil {
		<-m.sem
		return "", m.ctx.Err()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.runs[id] = &RunStatus{ID: id, Status: RunRunning, StartedAt: time.Now().UTC()}
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		defer cancel()
		m.execute(ctx, id)
	}()
	return id, nil
}

func (m *RunManager) execute(ctx context.Context, id string) {
	cb := m.hub.Callbacks(id)
	startHook := cb.OnPhaseStart
	cb.OnPhaseStart = func(phase errors.Phase) {
		m.update(id, func(st *RunStatus) { st.Phase = phase })
		startHook(phase)
	}

	c := client.New(m.target, m.opts...)
	report, err := c.Run(ctx, cb)
	ended := time.Now().UTC()
	if err != nil {
		me, ok := errors.As(err)
		if !ok {
			me = errors.Classify(err, errors.PhaseNone)
		}
		m.logger.Warn("run failed",
			logging.Field{Key: "run_id", Value: id},
			logging.Field{Key: "error", Value: me})
		m.finish(id, func(st *RunStatus) {
			st.Status = RunFailed
			st.Error = websocket.ErrorEvent(me).Error
			st.EndedAt = &ended
		})
		return
	}

	var resultID string
	if m.store != nil {
		rec := results.NewRecord(report.Result, report.Interpretation, report.ServerURL)
		saved, err := m.store.Save(context.Background(), rec)
		if err != nil {
			m.logger.Warn("save run result failed",
				logging.Field{Key: "run_id", Value: id},
				logging.Field{Key: "error", Value: err})
		} else {
			resultID = saved.ID
		}
	}

	m.logger.Info("run completed",
		logging.Field{Key: "run_id", Value: id},
		logging.Field{Key: "download_mbps", Value: report.Result.DownloadMbps},
		logging.Field{Key: "upload_mbps", Value: report.Result.UploadMbps},
		logging.Field{Key: "ping_ms", Value: report.Result.PingMs})
	m.finish(id, func(st *RunStatus) {
		st.Status = RunCompleted
		st.Report = report
		st.ResultID = resultID
		st.EndedAt = &ended
	})
	m.hub.Publish(id, websocket.Event{Type: websocket.EventComplete, Result: report.Result, ResultID: resultID})
}

func (m *RunManager) update(id string, fn func(*RunStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.runs[id]; ok {
		fn(st)
	}
}

// finish applies the terminal state and schedules the run to be forgotten.
func (m *RunManager) finish(id string, fn func(*RunStatus)) {
	m.mu.Lock()
	if st, ok := m.runs[id]; ok {
		fn(st)
	}
	delete(m.cancels, id)
	m.mu.Unlock()

	time.AfterFunc(runRetention, func() {
		m.mu.Lock()
		delete(m.runs, id)
		m.mu.Unlock()
		m.hub.Forget(id)
	})
}

// Status returns a copy of the run's state.
func (m *RunManager) Status(id string) (RunStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// Cancel aborts a running measurement. It reports false for unknown or
// finished runs.
func (m *RunManager) Cancel(id string) bool {
	m.mu.RLock()
	cancel, ok := m.cancels[id]
	m.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Close aborts all runs and waits for them to finish.
func (m *RunManager) Close() {
	m.cancel()
	m.wg.Wait()
}

// HandleStart serves POST /api/v1/runs.
func (m *RunManager) HandleStart(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	id, err := m.Start()
	if err != nil {
		if stderrors.Is(err, errTooManyRuns) {
			w.Header().Set("Retry-After", "5")
			respondJSON(w, map[string]string{"error": err.Error()}, http.StatusServiceUnavailable)
			return
		}
		respondJSON(w, map[string]string{"error": "server shutting down"}, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]string{
		"id":         id,
		"status_url": "/api/v1/runs/" + id,
		"ws_url":     "/api/v1/runs/" + id + "/ws",
	}, http.StatusAccepted)
}

// HandleStatus serves GET /api/v1/runs/{id}.
func (m *RunManager) HandleStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, ok := m.Status(id)
	if !ok {
		respondJSON(w, map[string]string{"error": "run not found"}, http.StatusNotFound)
		return
	}
	respondJSON(w, st, http.StatusOK)
}

// HandleCancel serves POST /api/v1/runs/{id}/cancel.
func (m *RunManager) HandleCancel(w http.ResponseWriter, r *http.Request, id string) {
	drainRequestBody(r)
	if !m.Cancel(id) {
		respondJSON(w, map[string]string{"error": "run not found or already finished"}, http.StatusNotFound)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelling"}, http.StatusAccepted)
}

// HandleStream serves GET /api/v1/runs/{id}/ws.
func (m *RunManager) HandleStream(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := m.Status(id); !ok {
		respondJSON(w, map[string]string{"error": "run not found"}, http.StatusNotFound)
		return
	}
	m.hub.HandleRun(w, r, id)
}
